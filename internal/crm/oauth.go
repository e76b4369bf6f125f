package crm

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/auth"
	"github.com/tennex/crmgateway/pkg/events"
)

// crmSettingsPath is the frontend page that shows connection results.
const crmSettingsPath = "ui2/user/crm"

// connectedURL is where the browser goes after a successful authorization.
func connectedURL(base string, name Name) string {
	q := url.Values{}
	q.Set("connected", "true")
	q.Set("crm", string(name))
	return settingsURL(base) + "?" + q.Encode()
}

// failedURL carries the failure back to the frontend.
func failedURL(base string, name Name, err error) string {
	q := url.Values{}
	q.Set("connected", "false")
	q.Set("crm", string(name))
	q.Set("error", err.Error())
	return settingsURL(base) + "?" + q.Encode()
}

func settingsURL(base string) string {
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + crmSettingsPath
}

// decodeState verifies an OAuth state token and checks that it was issued
// for name.
func (d Deps) decodeState(name Name, token string) (auth.State, error) {
	state, err := d.States.Decode(token)
	if err != nil {
		return auth.State{}, err
	}
	if state.CRM != string(name) {
		return auth.State{}, ErrStateMismatch
	}
	return state, nil
}

// returnBase picks the state's return URL or the configured frontend.
func (d Deps) returnBase(stateURL string) string {
	if stateURL != "" {
		return stateURL
	}
	return d.FrontendURL
}

// dialer implements OutboundCall for every adapter.
type dialer struct {
	publisher Publisher
	logger    *zap.Logger
}

// OutboundCall normalizes phone and publishes a make-call event to the
// account's relay channel. Delivery is not confirmed.
func (d dialer) OutboundCall(ctx context.Context, phone, refID string) error {
	if Digits(phone) == "" {
		return ErrInvalidPhone
	}

	number := NormalizePhone(strings.TrimSpace(phone))
	channel := events.ChannelFor(refID)

	if err := d.publisher.Publish(ctx, channel, events.NewMakeCallEvent(number)); err != nil {
		return err
	}

	d.logger.Info("Make-call event published",
		zap.String("channel", channel),
		zap.String("phone_number", number))
	return nil
}
