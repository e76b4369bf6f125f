package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/core"
	"github.com/tennex/crmgateway/internal/crm"
)

// webhookRequest carries the fields a webhook may send in its body. Each
// falls back to the query string.
type webhookRequest struct {
	Platform    string   `json:"platform"`
	PhoneNumber jsonText `json:"phone_number"`
	PortalID    jsonText `json:"portalId"`
}

// OutboundCallWebhook asks the dialer of the account a vendor webhook
// belongs to to call a number. HubSpot posts JSON and gets JSON back;
// Salesforce and Pipedrive open the URL in a browser and are redirected.
func (h *APIHandler) OutboundCallWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, invalid("failed to read request body"))
		return
	}

	var req webhookRequest
	var body map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			h.writeError(w, invalid("Invalid JSON"))
			return
		}
		_ = json.Unmarshal(raw, &body)
	}
	if body == nil {
		body = map[string]any{}
	}

	query := r.URL.Query()
	platform := firstNonEmpty(req.Platform, query.Get("platform"))
	if platform == "" {
		h.writeError(w, invalid("Platform is not provided"))
		return
	}

	name, err := crm.ParseName(platform)
	if err != nil {
		h.writeError(w, invalid("%s this platform is not implemented", platform))
		return
	}

	phone := firstNonEmpty(string(req.PhoneNumber), query.Get("phone_number"))
	key := webhookKey(name, req, r)

	cfg, err := h.contactService.WebhookCall(r.Context(), name, key, phone)
	if err != nil {
		if errors.Is(err, core.ErrConfigInactive) && name != crm.HubSpot {
			h.logger.Info("Webhook for inactive CRM",
				zap.String("crm", string(name)),
				zap.String("ref_id", cfg.RefID))
			http.Redirect(w, r, h.opts.CRMNotActiveURL, http.StatusFound)
			return
		}
		if errors.Is(err, core.ErrConfigInactive) {
			h.writeMessage(w, http.StatusConflict, name.Label()+" CRM is not active")
			return
		}
		h.writeError(w, err)
		return
	}

	h.logger.Info("Outbound call requested by webhook",
		zap.String("crm", string(name)),
		zap.String("ref_id", cfg.RefID))

	if name == crm.HubSpot {
		h.writeResult(w, http.StatusOK, crm.Succeeded("Success", map[string]any{"body": body}))
		return
	}
	http.Redirect(w, r, h.opts.CallInitiatedURL, http.StatusFound)
}

// webhookKey extracts the vendor-side account id a webhook identifies
// itself with.
func webhookKey(name crm.Name, req webhookRequest, r *http.Request) string {
	if name == crm.HubSpot {
		return firstNonEmpty(string(req.PortalID), r.URL.Query().Get("portalId"))
	}
	return strings.TrimSpace(r.URL.Query().Get("userid"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
