package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/cartsync/internal/types"
)

// Field limits for submitted mutations.
const (
	MaxItemIDLength   = 128
	MaxNameLength     = 256
	MaxCategoryLength = 64
	MaxVariantLength  = 64
	MaxClientIDLength = 128
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateNoSeparator rejects values containing the item key separator.
func ValidateNoSeparator(field, value string) *ValidationError {
	if strings.Contains(value, "|") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain '|'",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateMin returns an error if the value is below min.
func ValidateMin(field string, value, min int64) *ValidationError {
	if value < min {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be >= %d", min),
		}
	}
	return nil
}

// validateText runs the common string checks for a free-text field.
func validateText(c *Collector, field, value string, max int) {
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateMutation checks the structure of a submitted mutation.
// Business rules (caps, stock, presence) are enforced by the store, not here.
func ValidateMutation(cartID types.CartID, m types.Mutation) []ValidationError {
	var c Collector

	c.Add(ValidateULID("mutation.mutation_id", m.MutationID))
	if m.CartID != cartID {
		c.Add(&ValidationError{Field: "mutation.cart_id", Message: "must match the cart in the request path"})
	}
	c.Add(ValidateRequired("mutation.client_id", m.ClientID))
	validateText(&c, "mutation.client_id", m.ClientID, MaxClientIDLength)
	c.Add(ValidateMin("mutation.seq", m.Seq, 1))
	c.Add(ValidateEnum("mutation.kind", string(m.Kind), []string{
		string(types.MutationAdd), string(types.MutationRemove), string(types.MutationSetQuantity),
	}))

	c.Add(ValidateRequired("mutation.key.item_id", m.Key.ItemID))
	validateText(&c, "mutation.key.item_id", m.Key.ItemID, MaxItemIDLength)
	c.Add(ValidateNoSeparator("mutation.key.item_id", m.Key.ItemID))
	validateText(&c, "mutation.key.variant.size", m.Key.Variant.Size, MaxVariantLength)
	c.Add(ValidateNoSeparator("mutation.key.variant.size", m.Key.Variant.Size))
	validateText(&c, "mutation.key.variant.ticket_type", m.Key.Variant.TicketType, MaxVariantLength)
	c.Add(ValidateNoSeparator("mutation.key.variant.ticket_type", m.Key.Variant.TicketType))

	switch m.Kind {
	case types.MutationAdd, types.MutationSetQuantity:
		c.Add(ValidateMin("mutation.quantity", int64(m.Quantity), 1))
		c.Add(ValidateEnum("mutation.item.kind", string(m.Item.Kind), []string{
			string(types.KindProduct), string(types.KindTicket),
		}))
		c.Add(ValidateMin("mutation.item.unit_price", int64(m.Item.UnitPrice), 0))
		validateText(&c, "mutation.item.name", m.Item.Name, MaxNameLength)
		validateText(&c, "mutation.item.category", m.Item.Category, MaxCategoryLength)
	}

	return c.Errors()
}

// ValidateInventory validates an inventory update.
func ValidateInventory(req types.InventoryRequest) []ValidationError {
	var c Collector

	c.Add(ValidateRequired("key.item_id", req.Key.ItemID))
	validateText(&c, "key.item_id", req.Key.ItemID, MaxItemIDLength)
	c.Add(ValidateNoSeparator("key.item_id", req.Key.ItemID))
	validateText(&c, "key.variant.size", req.Key.Variant.Size, MaxVariantLength)
	c.Add(ValidateNoSeparator("key.variant.size", req.Key.Variant.Size))
	validateText(&c, "key.variant.ticket_type", req.Key.Variant.TicketType, MaxVariantLength)
	c.Add(ValidateNoSeparator("key.variant.ticket_type", req.Key.Variant.TicketType))
	c.Add(ValidateMin("available", int64(req.Available), 0))

	return c.Errors()
}
