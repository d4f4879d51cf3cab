// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package telephony implements the Telephony Control Plane: outbound call
// creation via the carrier REST API, the call-control document the
// carrier fetches to open its media stream, and the carrier's
// status-callback handler. Client construction is grounded on
// internal/telephony/twilio/twilio.go's twl.Client pattern (account
// sid/auth token credential pair feeding twilio.NewRestClientWithParams).
package telephony

import (
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/rapidaai/callassistant/internal/log"
	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/viewertoken"
)

// Config names everything the control plane needs to create outbound
// calls and build carrier-facing URLs.
type Config struct {
	AccountSID      string
	AuthToken       string
	FromNumber      string
	ToNumberDefault string
	PublicURL       string
}

func (c Config) configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// RestClient is the subset of *twilio.RestClient this package calls,
// narrowed so tests can substitute a fake.
type RestClient interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
}

// Plane is the Telephony Control Plane.
type Plane struct {
	cfg    Config
	client RestClient
	store  *session.Store
	tokens *viewertoken.Service
	logger log.Logger
}

// New constructs a Plane. If cfg is not configured (missing credentials),
// outbound calls always fail fast with a descriptive error rather than
// panicking on a nil client — the call-panel widget must still be able to
// render.
func New(cfg Config, store *session.Store, tokens *viewertoken.Service, logger log.Logger) *Plane {
	p := &Plane{cfg: cfg, store: store, tokens: tokens, logger: logger}
	if cfg.configured() {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		p.client = &restClientAdapter{client: client}
	}
	return p
}

type restClientAdapter struct {
	client *twilio.RestClient
}

func (a *restClientAdapter) CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error) {
	return a.client.Api.CreateCall(params)
}

// CallStartResult is returned to the Tool/Asset Plane's initiate-call
// operation.
type CallStartResult struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	LogsWSURL    string `json:"logsWsUrl"`
	ViewerToken  string `json:"viewerToken"`
	CallSID      string `json:"callSid,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// StartOutboundCall creates a session, mints a viewer token, and places
// the outbound call via the
// carrier REST API. Configuration or SDK unavailability still returns a
// result carrying sessionId + viewerToken (with errorMessage set) so the
// widget can render the failure without a second round trip.
func (p *Plane) StartOutboundCall(brief *session.CallBrief, toNumber string) CallStartResult {
	sess := p.store.CreateSession(brief)
	token, err := p.tokens.Mint(sess.ID(), viewertoken.DefaultTTL)
	if err != nil {
		p.store.UpdateStatus(sess.ID(), session.StatusFailed, "minting viewer token: "+err.Error())
		return CallStartResult{
			SessionID:    sess.ID(),
			Status:       string(session.StatusFailed),
			ViewerToken:  token,
			ErrorMessage: err.Error(),
		}
	}

	result := CallStartResult{
		SessionID:   sess.ID(),
		Status:      string(session.StatusQueued),
		LogsWSURL:   p.logsWSURL(sess.ID()),
		ViewerToken: token,
	}

	if !p.cfg.configured() || p.client == nil {
		p.store.UpdateStatus(sess.ID(), session.StatusFailed, "telephony carrier is not configured")
		result.Status = string(session.StatusFailed)
		result.ErrorMessage = "telephony carrier is not configured"
		return result
	}

	to := toNumber
	if to == "" {
		to = p.cfg.ToNumberDefault
	}
	if to == "" {
		p.store.UpdateStatus(sess.ID(), session.StatusFailed, "no destination number configured")
		result.Status = string(session.StatusFailed)
		result.ErrorMessage = "no destination number configured"
		return result
	}

	params := twilioapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(p.cfg.FromNumber)
	params.SetUrl(fmt.Sprintf("%s/twilio/twiml?sessionId=%s", p.cfg.PublicURL, sess.ID()))
	params.SetStatusCallback(fmt.Sprintf("%s/twilio/status?sessionId=%s", p.cfg.PublicURL, sess.ID()))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod(http.MethodPost)

	call, err := p.client.CreateCall(&params)
	if err != nil {
		p.store.UpdateStatus(sess.ID(), session.StatusFailed, "creating outbound call: "+err.Error())
		result.Status = string(session.StatusFailed)
		result.ErrorMessage = err.Error()
		return result
	}

	if call.Sid != nil {
		p.store.SetCarrierCallID(sess.ID(), *call.Sid)
		result.CallSID = *call.Sid
	}
	if call.Status != nil {
		status := MapCarrierStatus(*call.Status)
		p.store.UpdateStatus(sess.ID(), status, "")
		result.Status = string(status)
	}

	return result
}

func (p *Plane) logsWSURL(sessionID string) string {
	return fmt.Sprintf("%s/twilio/logs?sessionId=%s", wsBaseURL(p.cfg.PublicURL), sessionID)
}

func wsBaseURL(publicURL string) string {
	switch {
	case len(publicURL) >= 5 && publicURL[:5] == "https":
		return "wss" + publicURL[5:]
	case len(publicURL) >= 4 && publicURL[:4] == "http":
		return "ws" + publicURL[4:]
	default:
		return publicURL
	}
}

// MapCarrierStatus maps a carrier status string onto the canonical
// session status.
func MapCarrierStatus(carrierStatus string) session.Status {
	switch carrierStatus {
	case "ringing":
		return session.StatusRinging
	case "in-progress", "answered":
		return session.StatusInProgress
	case "queued", "initiated", "scheduled":
		return session.StatusQueued
	case "completed":
		return session.StatusCompleted
	default:
		return session.StatusFailed
	}
}
