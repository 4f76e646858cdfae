package types

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidCartID indicates a cart ID failed validation.
	ErrInvalidCartID = errors.New("invalid cart ID")
	// ErrStaleSnapshot indicates a snapshot older than the one already held.
	ErrStaleSnapshot = errors.New("stale snapshot")
)

// MaxCartIDLength is the maximum length of a cart ID.
const MaxCartIDLength = 128

var cartIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CartID scopes a cart to a customer session. Stable across devices and tabs.
type CartID string

// ValidateCartID validates a cart ID against format rules.
func ValidateCartID(id CartID) error {
	if id == "" {
		return fmt.Errorf("%w: empty cart ID", ErrInvalidCartID)
	}
	if len(id) > MaxCartIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidCartID, MaxCartIDLength)
	}
	if !cartIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q must contain only letters, digits, '-' and '_'", ErrInvalidCartID, id)
	}
	return nil
}

// ItemKind distinguishes physical products from event tickets.
type ItemKind string

const (
	KindProduct ItemKind = "product"
	KindTicket  ItemKind = "ticket"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == KindProduct || k == KindTicket
}

// Variant holds the attributes that make two lines of the same item distinct.
type Variant struct {
	Size       string `json:"size,omitempty"`
	TicketType string `json:"ticket_type,omitempty"`
}

// ItemKey uniquely identifies a line item within a cart.
type ItemKey struct {
	ItemID  string  `json:"item_id"`
	Variant Variant `json:"variant"`
}

// String returns the canonical "item_id|size|ticket_type" form.
func (k ItemKey) String() string {
	return k.ItemID + "|" + k.Variant.Size + "|" + k.Variant.TicketType
}

// ParseItemKey parses the canonical form produced by ItemKey.String.
func ParseItemKey(s string) (ItemKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" {
		return ItemKey{}, fmt.Errorf("malformed item key %q", s)
	}
	return ItemKey{ItemID: parts[0], Variant: Variant{Size: parts[1], TicketType: parts[2]}}, nil
}

// Money is an amount in minor currency units (centavos).
type Money int64

// String formats m with two decimal places.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Default categories used when a line carries none.
const (
	CategoryProduct = "product"
	CategoryTicket  = "ticket"
)

// LineItem is one row of a cart.
type LineItem struct {
	ItemID    string   `json:"item_id"`
	Kind      ItemKind `json:"kind"`
	Variant   Variant  `json:"variant"`
	Name      string   `json:"name,omitempty"`
	Category  string   `json:"category,omitempty"`
	Quantity  int      `json:"quantity"`
	UnitPrice Money    `json:"unit_price"`
}

// Key returns the line's unique key.
func (l LineItem) Key() ItemKey {
	return ItemKey{ItemID: l.ItemID, Variant: l.Variant}
}

// EffectiveCategory returns the category used for per-category subtotals.
func (l LineItem) EffectiveCategory() string {
	if l.Category != "" {
		return l.Category
	}
	if l.Kind == KindTicket {
		return CategoryTicket
	}
	return CategoryProduct
}

// LineTotal returns unit price times quantity.
func (l LineItem) LineTotal() Money {
	return l.UnitPrice * Money(l.Quantity)
}

// SortLines orders lines by canonical key so snapshots compare deterministically.
func SortLines(lines []LineItem) {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].Key().String() < lines[j].Key().String()
	})
}

// MutationKind is the type of change a mutation applies.
type MutationKind string

const (
	MutationAdd         MutationKind = "add"
	MutationRemove      MutationKind = "remove"
	MutationSetQuantity MutationKind = "set_quantity"
)

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationAdd, MutationRemove, MutationSetQuantity:
		return true
	}
	return false
}

// SyncState tracks a mutation's progress toward the server authority.
type SyncState string

const (
	SyncPending      SyncState = "pending"
	SyncAcknowledged SyncState = "acknowledged"
	SyncRejected     SyncState = "rejected"
	// SyncResolved marks an entry the server had already settled under a
	// verdict it no longer remembers.
	SyncResolved SyncState = "resolved"
)

// ItemDescriptor carries what is needed to insert a missing line.
type ItemDescriptor struct {
	Kind      ItemKind `json:"kind"`
	Name      string   `json:"name,omitempty"`
	Category  string   `json:"category,omitempty"`
	UnitPrice Money    `json:"unit_price"`
}

// Mutation is a single client-originated intent to change a cart.
type Mutation struct {
	MutationID      string         `json:"mutation_id"`
	CartID          CartID         `json:"cart_id"`
	ClientID        string         `json:"client_id"`
	Seq             int64          `json:"seq"`
	Kind            MutationKind   `json:"kind"`
	Key             ItemKey        `json:"key"`
	Item            ItemDescriptor `json:"item"`
	Quantity        int            `json:"quantity"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	SyncState       SyncState      `json:"sync_state,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
}

// Normalize rewrites set_quantity to remove when the target quantity is not positive.
func (m Mutation) Normalize() Mutation {
	if m.Kind == MutationSetQuantity && m.Quantity <= 0 {
		m.Kind = MutationRemove
		m.Quantity = 0
	}
	return m
}

// LineFor builds the line item a mutation would insert for a missing key.
func (m Mutation) LineFor(quantity int) LineItem {
	return LineItem{
		ItemID:    m.Key.ItemID,
		Kind:      m.Item.Kind,
		Variant:   m.Key.Variant,
		Name:      m.Item.Name,
		Category:  m.Item.Category,
		Quantity:  quantity,
		UnitPrice: m.Item.UnitPrice,
	}
}

// Totals are derived amounts; always recomputed from line items.
type Totals struct {
	Subtotals  map[string]Money `json:"subtotals"`
	ItemCount  int              `json:"item_count"`
	Subtotal   Money            `json:"subtotal"`
	Shipping   Money            `json:"shipping"`
	GrandTotal Money            `json:"grand_total"`
}

// Snapshot is the server's authoritative, versioned cart state.
type Snapshot struct {
	CartID     CartID           `json:"cart_id"`
	Version    int64            `json:"version"`
	LineItems  []LineItem       `json:"line_items"`
	Totals     Totals           `json:"totals"`
	Watermarks map[string]int64 `json:"watermarks,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Watermark returns the highest resolved seq for clientID.
func (s Snapshot) Watermark(clientID string) int64 {
	if s.Watermarks == nil {
		return 0
	}
	return s.Watermarks[clientID]
}

// CartState is the client's materialized view: snapshot plus pending mutations.
type CartState struct {
	CartID    CartID     `json:"cart_id"`
	Version   int64      `json:"version"`
	LineItems []LineItem `json:"line_items"`
	Totals    Totals     `json:"totals"`
	Pending   int        `json:"pending"`
}

// Line returns the line with the given key, if present.
func (s CartState) Line(key ItemKey) (LineItem, bool) {
	for _, l := range s.LineItems {
		if l.Key() == key {
			return l, true
		}
	}
	return LineItem{}, false
}

// Rejection codes returned by the server authority.
const (
	RejectNotInCart         = "not_in_cart"
	RejectQuantityCap       = "quantity_cap"
	RejectInsufficientStock = "insufficient_stock"
	RejectInvalid           = "invalid_mutation"
)

// ResultAlreadyResolved is the code for a resubmission at or below the
// client's watermark whose original result was cleaned up. It is neither an
// acceptance nor a rejection.
const ResultAlreadyResolved = "already_resolved"

// SubmitRequest is the body of POST /carts/{cart_id}/mutations.
type SubmitRequest struct {
	Mutation Mutation `json:"mutation"`
}

// SubmitResult is the authority's answer to a mutation submission.
type SubmitResult struct {
	MutationID string    `json:"mutation_id"`
	Accepted   bool      `json:"accepted"`
	Version    int64     `json:"version"`
	Code       string    `json:"code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}

// CartEvent is one change-log row: an accepted mutation and the version it produced.
type CartEvent struct {
	Version    int64        `json:"version"`
	CartID     CartID       `json:"cart_id"`
	MutationID string       `json:"mutation_id"`
	ClientID   string       `json:"client_id"`
	Kind       MutationKind `json:"kind"`
	Key        ItemKey      `json:"key"`
	Quantity   int          `json:"quantity"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Delta pagination limits.
const (
	DefaultDeltaLimit = 500
	MaxDeltaLimit     = 1000
)

// DeltaRequest holds parsed query parameters for GET /carts/{cart_id}/delta.
type DeltaRequest struct {
	After int64
	Limit int
}

// DeltaResponse is the body of GET /carts/{cart_id}/delta.
type DeltaResponse struct {
	Events        []CartEvent `json:"events"`
	LastVersion   int64       `json:"last_version"`
	LatestVersion int64       `json:"latest_version"`
	HasMore       bool        `json:"has_more"`
}

// Broadcast message types pushed over the cart's websocket stream.
const (
	MessageSnapshot    = "snapshot"
	MessageCartExpired = "cart_expired"
)

// BroadcastMessage is one frame on the broadcast stream.
type BroadcastMessage struct {
	Type     string    `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// InventoryRequest is the body of PUT /inventory.
type InventoryRequest struct {
	Key       ItemKey `json:"key"`
	Available int     `json:"available"`
}

// BackupURLResponse is the body of GET /backup.
type BackupURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	CartCount int64  `json:"cart_count"`
	Database  string `json:"database"`
}

// StoreStats holds aggregate server store statistics.
type StoreStats struct {
	CartCount    int64      `json:"cart_count"`
	ExpiredCount int64      `json:"expired_count"`
	EventCount   int64      `json:"event_count"`
	LastBackup   *time.Time `json:"last_backup,omitempty"`
}
