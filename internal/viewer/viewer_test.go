// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package viewer

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/viewertoken"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Store, *viewertoken.Service) {
	t.Helper()
	store := session.NewStore(nil)
	tokens := viewertoken.New("test-secret")
	h := New(store, tokens, nil)

	engine := gin.New()
	h.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, store, tokens
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestViewer_RejectsUnknownSession(t *testing.T) {
	srv, _, tokens := newTestServer(t)
	token, err := tokens.Mint("unknown-session", 0)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/twilio/logs?sessionId=unknown-session&viewerToken="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestViewer_RejectsMissingToken(t *testing.T) {
	srv, store, _ := newTestServer(t)
	sess := store.CreateSession(nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/twilio/logs?sessionId="+sess.ID()), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestViewer_RejectsTokenMintedForDifferentSession(t *testing.T) {
	srv, store, tokens := newTestServer(t)
	sess := store.CreateSession(nil)
	otherToken, err := tokens.Mint("some-other-session", 0)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/twilio/logs?sessionId="+sess.ID()+"&viewerToken="+otherToken), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestViewer_CatchUpThenLive(t *testing.T) {
	srv, store, tokens := newTestServer(t)
	sess := store.CreateSession(nil)
	store.UpdateStatus(sess.ID(), session.StatusInProgress, "")
	store.AppendAudioLevel(sess.ID(), session.SpeakerRecipient, 0.5)

	token, err := tokens.Mint(sess.ID(), 0)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/twilio/logs?sessionId="+sess.ID()+"&viewerToken="+token+"&sinceSeq=0"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var first, second, third session.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	require.NoError(t, conn.ReadJSON(&third))
	assert.Equal(t, session.EventStatus, first.Type)
	assert.Equal(t, session.EventStatus, second.Type)
	assert.Equal(t, session.EventAudioLevel, third.Type)

	store.AppendAudioLevel(sess.ID(), session.SpeakerAssistant, 0.25)
	var live session.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, session.EventAudioLevel, live.Type)
	assert.Equal(t, session.SpeakerAssistant, live.Speaker)
}

func TestViewer_SinceSeqSkipsAlreadySeenEvents(t *testing.T) {
	srv, store, tokens := newTestServer(t)
	sess := store.CreateSession(nil)
	store.UpdateStatus(sess.ID(), session.StatusInProgress, "")
	store.AppendAudioLevel(sess.ID(), session.SpeakerRecipient, 0.1)
	store.AppendAudioLevel(sess.ID(), session.SpeakerRecipient, 0.2)

	token, err := tokens.Mint(sess.ID(), 0)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/twilio/logs?sessionId="+sess.ID()+"&viewerToken="+token+"&sinceSeq=2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev session.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.EqualValues(t, 3, ev.Seq)
}

func TestViewer_TerminalSessionDrainsThenCloses(t *testing.T) {
	srv, store, tokens := newTestServer(t)
	sess := store.CreateSession(nil)
	store.UpdateStatus(sess.ID(), session.StatusCompleted, "call completed")

	token, err := tokens.Mint(sess.ID(), 0)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/twilio/logs?sessionId="+sess.ID()+"&viewerToken="+token+"&sinceSeq=0"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var queuedEv, statusEv, endEv session.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&queuedEv))
	require.NoError(t, conn.ReadJSON(&statusEv))
	require.NoError(t, conn.ReadJSON(&endEv))
	assert.Equal(t, session.EventSessionEnd, endEv.Type)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
