// Package events defines the wire vocabulary shared by the relay, the CRM
// adapters and browser clients.
package events

import (
	"encoding/json"
	"fmt"
)

// Relay actions accepted from clients
const (
	ActionSubscribe = "subscribe"
	ActionPublish   = "publish"
)

// Events pushed to browser sessions
const (
	TypeMakeCall = "make-call"

	MessageMakeCall = "Make call"
)

// ChannelPrefix is prepended to an account ref id to form its relay channel.
const ChannelPrefix = "pbx-channel-"

// CRM names as stored on configuration records
const (
	CRMHubSpot    = "HUBSPOT"
	CRMSalesforce = "SALESFORCE"
	CRMPipedrive  = "PIPEDRIVE"
)

// Configuration owner types
const (
	RefTypeAdmin     = "admin"
	RefTypeExtension = "extension"
)

// ClientMessage is a frame sent by a browser session to the relay.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	// Message is forwarded untouched
	Message json.RawMessage `json:"message,omitempty"`
}

// Delivery is the frame written to a subscribed session.
type Delivery struct {
	Data any `json:"data"`
}

// MakeCallPayload carries the number the dialer should call.
type MakeCallPayload struct {
	PhoneNumber string `json:"phone_number"`
}

// MakeCallEvent asks the browser dialer to start a call.
type MakeCallEvent struct {
	Event   string          `json:"event"`
	Message string          `json:"message"`
	Data    MakeCallPayload `json:"data"`
}

// NewMakeCallEvent builds the event for an already-normalized number.
func NewMakeCallEvent(phoneNumber string) MakeCallEvent {
	return MakeCallEvent{
		Event:   TypeMakeCall,
		Message: MessageMakeCall,
		Data:    MakeCallPayload{PhoneNumber: phoneNumber},
	}
}

// ChannelFor returns the relay channel of an account.
func ChannelFor(refID string) string {
	return fmt.Sprintf("%s%s", ChannelPrefix, refID)
}
