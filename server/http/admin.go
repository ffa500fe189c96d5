// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/absmach/pushmq/template"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": s.deps.Registry.ListChannels(tenantOf(r)),
	})
}

func (s *Server) handleChannelInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.deps.Registry.ChannelInfo(tenantOf(r), name)
	if !ok {
		writeError(w, http.StatusNotFound, codeChannelNotFound, "channel has no subscribers")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	count, subs, ok := s.deps.Registry.UserSubscriptions(tenantOf(r), userID)
	if !ok {
		writeError(w, http.StatusNotFound, codeUserNotConnected, "user has no live connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          userID,
		"connection_count": count,
		"subscriptions":    subs,
	})
}

// templateRequest is the create/update body.
type templateRequest struct {
	Name      string          `json:"name"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	tmpl, err := s.deps.Templates.Create(req.Name, req.EventType, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": s.deps.Templates.List(),
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := templateID(w, r)
	if !ok {
		return
	}
	tmpl, err := s.deps.Templates.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, codeTemplateNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := templateID(w, r)
	if !ok {
		return
	}
	var req templateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	tmpl, err := s.deps.Templates.Update(id, req.Name, req.EventType, req.Payload)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeTemplateNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := templateID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Templates.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, codeTemplateNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func templateID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed template id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": s.deps.Registry.ActiveTenants(),
	})
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	stats := s.deps.Registry.TenantStats(tenantID)
	if stats.TotalConnections == 0 {
		writeError(w, http.StatusNotFound, codeTenantNotFound, "tenant has no live connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"stats":     stats,
	})
}
