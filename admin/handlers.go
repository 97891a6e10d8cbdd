package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
)

// Membership is the read and maintenance surface of the local membership manager
type Membership interface {
	Self() membership.NodeAddress
	CurrentStatus() membership.Status
	ClusterView() membership.TableData
	ActiveNodes() []membership.NodeAddress
	StabilizationTime(graceful bool) time.Duration
	CleanupDefunct(ctx context.Context, olderThan time.Duration) error
}

// AdminHandlers serves the cluster admin endpoints
type AdminHandlers struct {
	members Membership
	store   membership.Store
	timeout time.Duration
}

// NewAdminHandlers creates handlers over the local manager and the shared table
func NewAdminHandlers(members Membership, store membership.Store) *AdminHandlers {
	return &AdminHandlers{
		members: members,
		store:   store,
		timeout: 10 * time.Second,
	}
}

// writeJSONResponse wraps data in {"data": ...}
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
