package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/crm"
)

// Connect redirects the browser to the vendor's authorization page
func (h *APIHandler) Connect(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	name, err := crm.ParseName(chi.URLParam(r, "crm"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	returnURL := r.URL.Query().Get("return_url")
	if returnURL == "" {
		returnURL = r.Referer()
	}

	redirect, err := h.contactService.Connect(r.Context(), name, refID, returnURL)
	if err != nil {
		h.writeError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback completes a vendor authorization and redirects to the frontend
func (h *APIHandler) Callback(w http.ResponseWriter, r *http.Request) {
	name, err := crm.ParseName(chi.URLParam(r, "crm"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	query := r.URL.Query()
	redirect, err := h.contactService.Callback(r.Context(), name, query.Get("code"), query.Get("state"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("OAuth callback handled", zap.String("crm", string(name)))
	http.Redirect(w, r, redirect, http.StatusFound)
}
