// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package telephony

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/twiml"

	"github.com/rapidaai/callassistant/internal/session"
)

// RegisterRoutes wires the carrier-facing HTTP endpoints into engine,
// mirroring the gin route-group-per-surface convention used throughout
// this service's router layer.
func (p *Plane) RegisterRoutes(engine *gin.Engine) {
	group := engine.Group("/twilio")
	group.GET("/twiml", p.handleCallControlDocument)
	group.POST("/twiml", p.handleCallControlDocument)
	group.POST("/status", p.handleStatusCallback)
}

// handleCallControlDocument builds the call-control document: an XML
// document instructing the carrier to
// open a bidirectional media stream back to this server, passing the
// session id as a Stream custom parameter. Built with twilio-go's twiml
// package rather than hand-formatted XML, for correct escaping.
func (p *Plane) handleCallControlDocument(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if p.store.GetSession(sessionID) == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	streamURL := wsBaseURL(p.cfg.PublicURL) + "/twilio/call"
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url: streamURL,
					InnerElements: []twiml.Element{
						&twiml.VoiceParameter{Name: "sessionId", Value: sessionID},
					},
				},
			},
		},
	})
	if err != nil {
		if p.logger != nil {
			p.logger.Errorf("telephony: building call-control document: %v", err)
		}
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(doc))
}

// handleStatusCallback parses the carrier's form-encoded status callback,
// 404s on an unknown session, and otherwise idempotently updates the
// carrier call id and maps the carrier's status into the session's
// canonical status.
func (p *Plane) handleStatusCallback(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	sess := p.store.GetSession(sessionID)
	if sess == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	callSID := c.PostForm("CallSid")
	if callSID != "" {
		p.store.SetCarrierCallID(sessionID, callSID)
	}

	carrierStatus := c.PostForm("CallStatus")
	if carrierStatus != "" {
		status := MapCarrierStatus(carrierStatus)
		reason := ""
		if status == session.StatusFailed {
			reason = "carrier reported status " + carrierStatus
		}
		p.store.UpdateStatus(sessionID, status, reason)
	}

	c.Status(http.StatusNoContent)
	c.Writer.WriteHeaderNow()
}
