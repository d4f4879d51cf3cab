// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/callassistant/internal/apperr"
)

// RealtimeDialerConfig names the remote realtime endpoint and the
// credentials/model query parameters it expects.
type RealtimeDialerConfig struct {
	Endpoint string // e.g. "wss://api.openai.com/v1/realtime"
	APIKey   string
	Model    string
}

// realtimeDialer opens the model websocket via gorilla/websocket, mirroring
// establishConnection's shape (30s handshake timeout, auth header,
// read-limit, pong handler) adapted to the realtime model endpoint.
type realtimeDialer struct {
	cfg RealtimeDialerConfig
}

// NewRealtimeDialer returns a ModelDialer for the configured realtime
// endpoint.
func NewRealtimeDialer(cfg RealtimeDialerConfig) ModelDialer {
	return &realtimeDialer{cfg: cfg}
}

func (d *realtimeDialer) Dial(ctx context.Context) (modelConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", d.cfg.Endpoint, d.cfg.Model)
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &apperr.TransportError{Status: status, Reason: fmt.Sprintf("dialing realtime model: %v", err)}
	}

	conn.SetReadLimit(10 * 1024 * 1024)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	return conn, nil
}
