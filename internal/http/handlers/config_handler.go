package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/crm"
)

// ListConfigs handles CRM configuration listing requests
func (h *APIHandler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	configs, err := h.configService.List(r.Context(), refID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeResult(w, http.StatusOK, crm.Succeeded("All configurations", configs))
}

// CreateConfig handles CRM configuration creation and replacement
func (h *APIHandler) CreateConfig(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	var req createConfigRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	name, err := crm.ParseName(req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}

	creds, err := crm.ParseCredentials(req.Config)
	if err != nil {
		h.writeError(w, invalid("%q does not match the %s configuration", "config", name.Label()))
		return
	}

	saved, err := h.configService.Save(r.Context(), refID, name, creds)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status, message := http.StatusOK, "CRM configuration updated"
	if saved.Created {
		status, message = http.StatusCreated, "CRM configuration created"
	}

	h.logger.Info("CRM configuration stored",
		zap.String("ref_id", refID),
		zap.String("crm", string(name)),
		zap.Bool("created", saved.Created))

	h.writeResult(w, status, crm.Succeeded(message, saved.Config))
}

// UpdateConfigStatus toggles a configuration on or off
func (h *APIHandler) UpdateConfigStatus(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	var req statusUpdateRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	id, err := strconv.ParseInt(string(req.ID), 10, 64)
	if err != nil {
		h.writeError(w, invalid("%q must be a number", "id"))
		return
	}

	configs, err := h.configService.ToggleStatus(r.Context(), refID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeResult(w, http.StatusOK, crm.Succeeded("All configurations", configs))
}

// DeleteConfig handles CRM configuration removal
func (h *APIHandler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, invalid("Invalid id"))
		return
	}

	if err := h.configService.Delete(r.Context(), refID, id); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeResult(w, http.StatusOK, crm.Succeeded("CRM configuration deleted", nil))
}
