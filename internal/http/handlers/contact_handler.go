package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/crm"
)

// SearchContact handles contact lookups by phone number
func (h *APIHandler) SearchContact(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	number := strings.TrimSpace(chi.URLParam(r, "contact_number"))
	if number == "" {
		h.writeError(w, invalid("Customer number not provided"))
		return
	}

	result, err := h.contactService.SearchContact(r.Context(), refID, number)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("Contact search response",
		zap.String("ref_id", refID),
		zap.Bool("found", result.Success))

	h.writeResult(w, http.StatusOK, result)
}

// CreateNote handles note creation on a CRM contact
func (h *APIHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	var req createNoteRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.contactService.CreateNote(r.Context(), refID, string(req.ContactID), req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !result.Success {
		status = http.StatusOK
	}
	h.writeResult(w, status, result)
}

// OutboundCall asks the dialer of the calling account to call a number
// through its active CRM.
func (h *APIHandler) OutboundCall(w http.ResponseWriter, r *http.Request) {
	refID, ok := h.refID(r)
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "Missing account")
		return
	}

	var req outboundCallRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	name, err := h.contactService.OutboundCall(r.Context(), refID, string(req.PhoneNumber))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeResult(w, http.StatusOK, crm.Succeeded("Call initiated", map[string]any{"crm": name}))
}
