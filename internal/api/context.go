package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/cartsync/internal/types"
)

// cartIDContextKey is the context key for the validated cart ID.
type cartIDContextKey struct{}

// WithCartID returns a new context with the cart ID attached.
func WithCartID(ctx context.Context, id types.CartID) context.Context {
	return context.WithValue(ctx, cartIDContextKey{}, id)
}

// CartIDFromContext extracts the cart ID from the context.
// Returns "" if not present.
func CartIDFromContext(ctx context.Context) types.CartID {
	id, _ := ctx.Value(cartIDContextKey{}).(types.CartID)
	return id
}

// CartContext validates the {cart_id} URL parameter and stores it in the
// request context. Invalid IDs get a 400 problem response.
func CartContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := types.CartID(chi.URLParam(r, "cart_id"))
		if err := types.ValidateCartID(id); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCartID(r.Context(), id)))
	})
}
