package store

import "errors"

var (
	ErrNotFound           = errors.New("cart not found")
	ErrCartExpired        = errors.New("cart expired")
	ErrInvalidMutation    = errors.New("invalid mutation")
	ErrBackupUnsupported  = errors.New("backup not supported by this database driver")
	ErrUnsupportedDialect = errors.New("unsupported database driver")
)
