package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
)

type memberView struct {
	Address      string     `json:"address"`
	Status       string     `json:"status"`
	HostName     string     `json:"host_name"`
	RoleName     string     `json:"role_name,omitempty"`
	NodeName     string     `json:"node_name,omitempty"`
	StartTime    string     `json:"start_time"`
	IAmAliveTime string     `json:"i_am_alive_time"`
	Suspicions   []voteView `json:"suspect_times,omitempty"`
	ETag         string     `json:"etag,omitempty"`
}

type voteView struct {
	Accuser string `json:"accuser"`
	Time    string `json:"time"`
}

func toMemberView(row membership.Row) memberView {
	e := row.Entry
	v := memberView{
		Address:      e.Address.String(),
		Status:       e.Status.String(),
		HostName:     e.HostName,
		RoleName:     e.RoleName,
		NodeName:     e.NodeName,
		StartTime:    formatTime(e.StartTime),
		IAmAliveTime: formatTime(e.IAmAliveTime),
		ETag:         row.ETag,
	}
	for _, s := range e.SuspectTimes {
		v.Suspicions = append(v.Suspicions, voteView{Accuser: s.Accuser.String(), Time: formatTime(s.Time)})
	}
	return v
}

// handleClusterMembers handles GET /admin/cluster/members
func (h *AdminHandlers) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	view := h.members.ClusterView()

	members := make([]memberView, 0, view.Len())
	for _, row := range view.Rows {
		members = append(members, toMemberView(row))
	}

	writeJSONResponse(w, map[string]interface{}{
		"self":    h.members.Self().String(),
		"status":  h.members.CurrentStatus().String(),
		"version": view.Version.Version,
		"members": members,
	})
}

// handleClusterActive handles GET /admin/cluster/active
func (h *AdminHandlers) handleClusterActive(w http.ResponseWriter, r *http.Request) {
	nodes := h.members.ActiveNodes()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.String())
	}
	writeJSONResponse(w, out)
}

// handleStabilization handles GET /admin/cluster/stabilization?graceful=bool
func (h *AdminHandlers) handleStabilization(w http.ResponseWriter, r *http.Request) {
	graceful := false
	if raw := r.URL.Query().Get("graceful"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid graceful parameter")
			return
		}
		graceful = parsed
	}

	d := h.members.StabilizationTime(graceful)
	writeJSONResponse(w, map[string]interface{}{
		"graceful": graceful,
		"seconds":  d.Seconds(),
		"duration": d.String(),
	})
}

// handleCleanup handles POST /admin/cluster/cleanup?older_than=<duration>
func (h *AdminHandlers) handleCleanup(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeErrorResponse(w, http.StatusBadRequest, "older_than is required")
		return
	}
	olderThan, err := time.ParseDuration(raw)
	if err != nil || olderThan <= 0 {
		writeErrorResponse(w, http.StatusBadRequest, "older_than must be a positive duration")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.members.CleanupDefunct(ctx, olderThan); err != nil {
		if errors.Is(err, membership.ErrCleanupUnsupported) {
			writeErrorResponse(w, http.StatusNotImplemented, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"success": true, "older_than": olderThan.String()})
}

// handleDeleteCluster handles DELETE /admin/cluster/{clusterID}
func (h *AdminHandlers) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterID")
	if clusterID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "cluster id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.DeleteAllEntries(ctx, clusterID); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	log.Warn().Str("cluster_id", clusterID).Str("remote", r.RemoteAddr).Msg("Membership table wiped via admin API")
	writeJSONResponse(w, map[string]interface{}{"success": true, "cluster_id": clusterID})
}
