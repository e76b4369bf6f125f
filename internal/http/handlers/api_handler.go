package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/auth"
	"github.com/tennex/crmgateway/internal/core"
	"github.com/tennex/crmgateway/internal/crm"
	"github.com/tennex/crmgateway/internal/relay"
)

// Options configure the API.
type Options struct {
	// RequestTimeout bounds every request except websocket sessions.
	RequestTimeout time.Duration
	// WebhookSecret keys the pxb-signature HMAC of POST webhooks.
	WebhookSecret string
	// WebhookRateLimit is the number of GET webhooks a client IP may send
	// per minute.
	WebhookRateLimit int
	// CallInitiatedURL is where Salesforce and Pipedrive browsers land after
	// a call was started.
	CallInitiatedURL string
	// CRMNotActiveURL is where they land when the configuration is inactive.
	CRMNotActiveURL string
}

// APIHandler handles HTTP API requests
type APIHandler struct {
	configService  *core.ConfigService
	contactService *core.ContactService
	relay          *relay.Relay
	verifier       auth.AccountVerifier
	opts           Options
	metrics        http.Handler
	validate       *validator.Validate
	limiter        *ipLimiter
	logger         *zap.Logger
}

// NewAPIHandler creates a new API handler. A nil verifier accepts any
// complete set of account credentials.
func NewAPIHandler(configService *core.ConfigService, contactService *core.ContactService, rl *relay.Relay, verifier auth.AccountVerifier, opts Options, gatherer prometheus.Gatherer, logger *zap.Logger) *APIHandler {
	if opts.WebhookRateLimit < 1 {
		opts.WebhookRateLimit = 60
	}

	return &APIHandler{
		configService:  configService,
		contactService: contactService,
		relay:          rl,
		verifier:       verifier,
		opts:           opts,
		metrics:        promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		validate:       newValidator(),
		limiter:        newIPLimiter(opts.WebhookRateLimit),
		logger:         logger.Named("api_handler"),
	}
}

// Routes returns the HTTP routes
func (h *APIHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Websocket sessions outlive any request timeout
	r.Get("/ws", h.relay.HandleWebSocket)

	r.Group(func(r chi.Router) {
		if h.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(h.opts.RequestTimeout))
		}

		// Public routes
		r.Get("/health", h.GetHealth)
		r.Handle("/metrics", h.metrics)
		r.Get("/call-initiated", h.CallInitiated)
		r.Get("/crm-not-active", h.CRMNotActive)

		// Vendors redirect here without PBX credentials
		r.Get("/{crm}/callback", h.Callback)

		r.Route("/webhooks", func(r chi.Router) {
			r.With(auth.WebhookSignature(h.opts.WebhookSecret, h.logger)).Post("/outbound-call", h.OutboundCallWebhook)
			r.With(h.limiter.Middleware).Get("/outbound-call", h.OutboundCallWebhook)
		})

		// Account routes
		r.Group(func(r chi.Router) {
			r.Use(auth.AccountAuth(h.verifier, h.logger))

			r.Get("/contacts/{contact_number}", h.SearchContact)
			r.Post("/contacts/create-note", h.CreateNote)
			r.Post("/contacts/outbound-call", h.OutboundCall)

			r.Get("/crm-config", h.ListConfigs)
			r.Post("/crm-config/create", h.CreateConfig)
			r.Post("/crm-config/status-update", h.UpdateConfigStatus)
			r.Delete("/crm-config/{id}", h.DeleteConfig)

			r.Get("/{crm}/connect", h.Connect)
		})
	})

	return r
}

// GetHealth handles health check requests
func (h *APIHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":   "healthy",
		"sessions": h.relay.SessionCount(),
	}

	h.writeJSON(w, http.StatusOK, response)
}

// CallInitiated is the landing page of a browser-initiated webhook call.
func (h *APIHandler) CallInitiated(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, http.StatusOK, crm.Succeeded("Call initiated", nil))
}

// CRMNotActive is the landing page of a webhook call for an inactive CRM.
func (h *APIHandler) CRMNotActive(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, http.StatusOK, crm.Failed(core.ErrConfigInactive.Error()))
}

func (h *APIHandler) refID(r *http.Request) (string, bool) {
	account, err := auth.AccountFromContext(r.Context())
	if err != nil || account.RefID() == "" {
		return "", false
	}
	return account.RefID(), true
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (h *APIHandler) writeResult(w http.ResponseWriter, status int, result crm.Result) {
	h.writeJSON(w, status, result)
}

// writeError renders err in the response envelope with the status its kind
// maps to. Unexpected errors are logged and hidden behind a generic message.
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	} else {
		h.logger.Debug("Request rejected", zap.Error(err), zap.Int("status", status))
	}
	h.writeResult(w, status, crm.Failed(message))
}

func (h *APIHandler) writeMessage(w http.ResponseWriter, status int, message string) {
	h.writeResult(w, status, crm.Failed(message))
}

func errorStatus(err error) (int, string) {
	var validationErr validationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, core.ErrNoActiveConfig),
		errors.Is(err, core.ErrConfigNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, core.ErrVendorAccountTaken),
		errors.Is(err, core.ErrConfigInactive):
		return http.StatusConflict, err.Error()
	case errors.Is(err, crm.ErrUnknownCRM),
		errors.Is(err, crm.ErrInvalidPhone),
		errors.Is(err, crm.ErrConnectUnsupported):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}
