// Package migrations embeds the goose SQL migrations for the server authority
// store (one directory per dialect) and the client mutation log.
package migrations

import "embed"

// FS holds every migration directory.
//
//go:embed server/sqlite/*.sql server/postgres/*.sql client/*.sql
var FS embed.FS

// Migration directories within FS.
const (
	ServerSQLiteDir   = "server/sqlite"
	ServerPostgresDir = "server/postgres"
	ClientDir         = "client"
)
