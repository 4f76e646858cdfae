package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/cartsync/internal/broadcast"
	"github.com/hyperengineering/cartsync/internal/snapshot"
	"github.com/hyperengineering/cartsync/internal/store"
	"github.com/hyperengineering/cartsync/internal/types"
	"github.com/hyperengineering/cartsync/internal/validation"
)

// MaxRequestBytes bounds request bodies.
const MaxRequestBytes = 64 << 10

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	hub     *broadcast.Hub
	apiKey  string
	version string
	// Database names the backing driver in health responses.
	Database string
	// PingInterval is how often open broadcast streams are pinged.
	PingInterval time.Duration
	// OriginPatterns are the allowed browser origins for broadcast streams.
	OriginPatterns []string
	// Backups hands out download links for uploaded backups. Nil disables
	// the backup route.
	Backups    snapshot.Uploader
	BackupName string
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, hub *broadcast.Hub, apiKey, version string) *Handler {
	return &Handler{
		store:        s,
		hub:          hub,
		apiKey:       apiKey,
		version:      version,
		Database:     string(store.DialectSQLite),
		PingInterval: 30 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := types.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Database: h.Database,
	}

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("database ping failed",
			"component", "api",
			"action", "health_check_failed",
			"error", err,
		)
		resp.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	stats, err := h.store.GetStats(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	resp.CartCount = stats.CartCount
	writeJSON(w, http.StatusOK, resp)
}

// GetSnapshot handles GET /api/v1/carts/{cart_id}/snapshot
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	cartID := CartIDFromContext(ctx)

	snap, err := h.store.GetSnapshot(ctx, cartID)
	if err != nil {
		if !errors.Is(err, store.ErrCartExpired) {
			slog.Error("snapshot read failed",
				"component", "api",
				"action", "snapshot_failed",
				"cart_id", cartID,
				"error", err,
			)
		}
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)

	slog.Debug("snapshot served",
		"component", "api",
		"action", "snapshot",
		"cart_id", cartID,
		"version", snap.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SubmitMutation handles POST /api/v1/carts/{cart_id}/mutations
func (h *Handler) SubmitMutation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	cartID := CartIDFromContext(ctx)

	// 1. Parse request
	var req types.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate fields
	if errs := validation.ValidateMutation(cartID, req.Mutation); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Mutation contains invalid fields", errs)
		return
	}

	// 3. Apply against the authoritative cart
	res, err := h.store.ApplyMutation(ctx, req.Mutation)
	if err != nil {
		if !errors.Is(err, store.ErrCartExpired) && !errors.Is(err, store.ErrInvalidMutation) {
			slog.Error("mutation apply failed",
				"component", "api",
				"action", "mutation_failed",
				"cart_id", cartID,
				"mutation_id", req.Mutation.MutationID,
				"error", err,
			)
		}
		MapStoreError(w, r, err)
		return
	}

	// 4. Fan the new state out to subscribers
	if res.Result.Snapshot != nil && h.hub != nil {
		h.hub.Publish(*res.Result.Snapshot)
	}

	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	writeJSON(w, http.StatusOK, res.Result)

	slog.Info("mutation resolved",
		"component", "api",
		"action", "mutation",
		"cart_id", cartID,
		"mutation_id", req.Mutation.MutationID,
		"client_id", req.Mutation.ClientID,
		"seq", req.Mutation.Seq,
		"kind", req.Mutation.Kind,
		"accepted", res.Result.Accepted,
		"code", res.Result.Code,
		"version", res.Result.Version,
		"replayed", res.Replayed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Delta handles GET /api/v1/carts/{cart_id}/delta
func (h *Handler) Delta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	cartID := CartIDFromContext(ctx)

	// 1. Parse query parameters
	req, err := parseDeltaRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Query change log
	events, err := h.store.GetEventsAfter(ctx, cartID, req.After, req.Limit)
	if err != nil {
		slog.Error("delta query failed",
			"component", "api",
			"action", "delta_failed",
			"cart_id", cartID,
			"after", req.After,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve delta")
		return
	}

	// 3. Get latest version for pagination info
	latest, err := h.store.LatestVersion(ctx, cartID)
	if err != nil {
		slog.Error("get latest version failed",
			"component", "api",
			"action", "delta_failed",
			"cart_id", cartID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve delta")
		return
	}

	// 4. Calculate pagination info
	lastVersion := req.After
	if len(events) > 0 {
		lastVersion = events[len(events)-1].Version
	}
	hasMore := len(events) == req.Limit && lastVersion < latest

	resp := types.DeltaResponse{
		Events:        events,
		LastVersion:   lastVersion,
		LatestVersion: latest,
		HasMore:       hasMore,
	}
	// Ensure events is [] not null in JSON
	if resp.Events == nil {
		resp.Events = []types.CartEvent{}
	}

	writeJSON(w, http.StatusOK, resp)

	slog.Info("delta served",
		"component", "api",
		"action", "delta",
		"cart_id", cartID,
		"after", req.After,
		"limit", req.Limit,
		"events_returned", len(events),
		"last_version", lastVersion,
		"latest_version", latest,
		"has_more", hasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// parseDeltaRequest extracts and validates query parameters for GET /delta.
func parseDeltaRequest(r *http.Request) (types.DeltaRequest, error) {
	var req types.DeltaRequest

	// Parse after (required)
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return req, fmt.Errorf("missing required query parameter: after")
	}

	after, err := strconv.ParseInt(afterStr, 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid after parameter: must be an integer")
	}
	if after < 0 {
		return req, fmt.Errorf("invalid after parameter: must be >= 0")
	}
	req.After = after

	// Parse limit (optional)
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		req.Limit = types.DefaultDeltaLimit
	} else {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return req, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return req, fmt.Errorf("invalid limit parameter: must be >= 1")
		}
		if limit > types.MaxDeltaLimit {
			limit = types.MaxDeltaLimit
		}
		req.Limit = limit
	}

	return req, nil
}

// SetInventory handles PUT /api/v1/inventory
func (h *Handler) SetInventory(w http.ResponseWriter, r *http.Request) {
	var req types.InventoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidateInventory(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Inventory request contains invalid fields", errs)
		return
	}

	if err := h.store.SetInventory(r.Context(), req.Key, req.Available); err != nil {
		slog.Error("set inventory failed",
			"component", "api",
			"action", "inventory_failed",
			"item_key", req.Key.String(),
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("inventory updated",
		"component", "api",
		"action", "inventory",
		"item_key", req.Key.String(),
		"available", req.Available,
	)
	w.WriteHeader(http.StatusNoContent)
}

// BackupURL handles GET /api/v1/backup
func (h *Handler) BackupURL(w http.ResponseWriter, r *http.Request) {
	if h.Backups == nil {
		WriteProblem(w, r, http.StatusNotImplemented, "Backup storage is not configured")
		return
	}
	url, expiry, err := h.Backups.PresignedURL(r.Context(), h.BackupName)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			WriteProblem(w, r, http.StatusNotImplemented, "Backup storage is not configured")
			return
		}
		slog.Error("backup url failed",
			"component", "api",
			"action", "backup_url_failed",
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to generate backup URL")
		return
	}
	writeJSON(w, http.StatusOK, types.BackupURLResponse{URL: url, ExpiresAt: expiry})
}
