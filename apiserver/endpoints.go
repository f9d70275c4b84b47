// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/kvcache"
)

// restHandlers serves the read-only query surface. Everything it
// returns comes from the enrichment cache, the event store counters or
// the latest status snapshot; no handler reaches an upstream service.
type restHandlers struct {
	cache    *kvcache.Cache
	store    Store
	status   Status
	reporter Reporter
	logger   logger.Logger
}

func (h *restHandlers) ping(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, params.PingResponse)
}

func (h *restHandlers) killmail(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(req.URL.Query().Get(":id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid killmail id")
		return
	}
	v, err := h.cache.Get(kvcache.Killmails, strconv.FormatUint(id, 10))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "killmail not found")
		return
	}
	km, ok := v.(*killmail.Enriched)
	if !ok {
		h.writeError(w, http.StatusNotFound, "killmail not found")
		return
	}
	h.writeJSON(w, http.StatusOK, params.KillmailResponse{
		Status:   params.StatusOK,
		Killmail: km,
	})
}

func (h *restHandlers) systemKillmails(w http.ResponseWriter, req *http.Request) {
	systemID, ok := h.systemID(w, req)
	if !ok {
		return
	}
	ids := h.cache.SystemKillmails(systemID)
	kills := make([]killmail.Enriched, 0, len(ids))
	for _, id := range ids {
		v, err := h.cache.Get(kvcache.Killmails, strconv.FormatUint(id, 10))
		if err != nil {
			// Aged out of the killmail namespace; the list entry
			// outlived the body.
			continue
		}
		if km, ok := v.(*killmail.Enriched); ok {
			kills = append(kills, *km)
		}
	}
	h.writeJSON(w, http.StatusOK, params.SystemKillmailsResponse{
		Status:        params.StatusOK,
		SolarSystemID: systemID,
		Killmails:     kills,
	})
}

func (h *restHandlers) killsForSystem(w http.ResponseWriter, req *http.Request) {
	raw := req.URL.Query().Get(":system_id")
	if _, err := strconv.ParseUint(raw, 10, 32); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid system id")
		return
	}
	http.Redirect(w, req, "/system_killmails/"+raw, http.StatusFound)
}

func (h *restHandlers) killCount(w http.ResponseWriter, req *http.Request) {
	systemID, ok := h.systemID(w, req)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, params.KillCountResponse{
		Status:        params.StatusOK,
		SolarSystemID: systemID,
		Count:         h.store.KillCount(systemID),
	})
}

func (h *restHandlers) statusSnapshot(w http.ResponseWriter, req *http.Request) {
	h.writeJSON(w, http.StatusOK, h.status.Latest())
}

func (h *restHandlers) report(w http.ResponseWriter, req *http.Request) {
	h.writeJSON(w, http.StatusOK, h.reporter.Report())
}

func (h *restHandlers) systemID(w http.ResponseWriter, req *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(req.URL.Query().Get(":system_id"), 10, 32)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid system id")
		return 0, false
	}
	return uint32(id), true
}

func (h *restHandlers) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debugf(context.Background(), "writing response body: %v", err)
	}
}

func (h *restHandlers) writeError(w http.ResponseWriter, statusCode int, reason string) {
	h.writeJSON(w, statusCode, params.ErrorResponse{
		Status: params.StatusError,
		Reason: reason,
	})
}
