// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/callassistant/internal/audio"
	"github.com/rapidaai/callassistant/internal/session"
)

// fakeConn is a minimal carrierConn/modelConn double: a fixed queue of
// inbound frames (consumed in order by ReadMessage) and a recorder of
// outbound frames (via WriteMessage). ReadMessage returns io.EOF once the
// queue is exhausted or Close has been called, so a bounded test scenario
// drives both loops to a natural, deterministic end.
type fakeConn struct {
	mu     sync.Mutex
	inbox  [][]byte
	idx    int
	writes [][]byte
	closed bool
}

func newFakeConn(inbox ...[]byte) *fakeConn {
	return &fakeConn{inbox: inbox}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.idx >= len(c.inbox) {
		return 0, nil, io.EOF
	}
	data := c.inbox[c.idx]
	c.idx++
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writtenTypes(t *testing.T) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, w := range c.writes {
		var env struct {
			Type  string `json:"type"`
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(w, &env))
		if env.Type != "" {
			types = append(types, env.Type)
		} else {
			types = append(types, env.Event)
		}
	}
	return types
}

type fakeDialer struct {
	conn modelConn
	err  error
}

func (d *fakeDialer) Dial(_ context.Context) (modelConn, error) {
	return d.conn, d.err
}

func marshalFrame(t *testing.T, v interface{}) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newTestStore() *session.Store {
	return session.NewStore(nil)
}

func TestBridge_HappyPath_BindsForwardsAndCompletes(t *testing.T) {
	store := newTestStore()
	sess := store.CreateSession(&session.CallBrief{ReasonSummary: "check-in"})

	startMsg := marshalFrame(t, CarrierMessage{
		Event: "start",
		Start: &CarrierStart{
			StreamSID: "MZ123",
			CallSID:   "CA123",
			CustomParameters: map[string]string{
				"sessionId": sess.ID(),
			},
		},
	})

	mediaPayload := base64.StdEncoding.EncodeToString(make([]byte, 160))
	var carrierFrames [][]byte
	carrierFrames = append(carrierFrames, startMsg)
	for i := 0; i < audio.DefaultLevelSampleCadence; i++ {
		carrierFrames = append(carrierFrames, marshalFrame(t, CarrierMessage{
			Event: "media",
			Media: &CarrierMedia{Payload: mediaPayload},
		}))
	}
	carrierFrames = append(carrierFrames, marshalFrame(t, CarrierMessage{
		Event: "stop",
		Stop:  &CarrierStop{CallSID: "CA123", Reason: "completed"},
	}))

	carrierConn := newFakeConn(carrierFrames...)

	audioDelta := base64.StdEncoding.EncodeToString(make([]byte, 800))
	modelFrames := [][]byte{
		marshalFrame(t, ModelEvent{Type: modelEventResponseCreated}),
		marshalFrame(t, ModelEvent{
			Type:         modelEventOutputAudioDelta,
			ItemID:       "item-1",
			ResponseID:   "resp-1",
			ContentIndex: 0,
			Delta:        audioDelta,
		}),
		marshalFrame(t, ModelEvent{
			Type:       modelEventAssistantTranscriptDone,
			ItemID:     "item-1",
			Transcript: "Hello, this is Lincoln Elementary calling.",
		}),
	}
	modelConn := newFakeConn(modelFrames...)

	b := New(Config{
		Store:              store,
		Dialer:             &fakeDialer{conn: modelConn},
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
	})

	// Run returns once both sockets have wound down. In this fake, that
	// happens via the queued frames running out — exactly like a real
	// carrier socket closing right after its "stop" frame — so Run's
	// return value here is an expected terminal read error, not a sign of
	// failure; the session's recorded status is the source of truth.
	_ = b.Run(context.Background(), carrierConn, "")

	summary := store.GetSummary(sess.ID())
	require.NotNil(t, summary)
	assert.Equal(t, session.StatusCompleted, summary.Status)
	assert.Equal(t, "completed", summary.TerminalReason)

	var sawAudioLevel bool
	for _, ev := range store.ListEventsSince(sess.ID(), 0) {
		if ev.Type == session.EventAudioLevel && ev.Speaker == session.SpeakerRecipient {
			sawAudioLevel = true
		}
	}
	assert.True(t, sawAudioLevel, "expected at least one recipient audio.level event")

	require.Len(t, summary.TranscriptItems, 1)
	assert.Equal(t, "Hello, this is Lincoln Elementary calling.", summary.TranscriptItems[0].Text)
	assert.True(t, summary.TranscriptItems[0].IsFinal)

	carrierWrites := carrierConn.writtenTypes(t)
	assert.Contains(t, carrierWrites, "media")

	modelWrites := modelConn.writtenTypes(t)
	assert.Contains(t, modelWrites, "session.update")
	assert.Contains(t, modelWrites, "input_audio_buffer.append")
}

func TestBridge_BindTimeout_ClosesCarrierWith1008(t *testing.T) {
	store := newTestStore()

	carrierConn := &blockingConn{}
	b := New(Config{
		Store:  store,
		Dialer: &fakeDialer{conn: newFakeConn()},
	})

	// BindTimeout itself is 10s, but Run derives its bind deadline as a
	// child of the caller's context, so a short-lived parent context
	// exercises the same "missing session binding" closure path without
	// a slow test.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := b.Run(ctx, carrierConn, "")
	assert.Error(t, err)
	assert.True(t, carrierConn.wasClosed())
}

// blockingConn never returns from ReadMessage until closed, simulating a
// carrier socket that never sends a "start" event.
type blockingConn struct {
	mu     sync.Mutex
	closed bool
	ch     chan struct{}
}

func (c *blockingConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	ch := c.ch
	c.mu.Unlock()
	<-ch
	return 0, nil, io.EOF
}

func (c *blockingConn) WriteMessage(_ int, _ []byte) error {
	return nil
}

func (c *blockingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ch != nil {
		close(c.ch)
	} else {
		c.ch = make(chan struct{})
		close(c.ch)
	}
	return nil
}

func (c *blockingConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestBridge_BargeIn_SendsClearCancelAndTruncate(t *testing.T) {
	store := newTestStore()
	sess := store.CreateSession(nil)
	store.UpdateStatus(sess.ID(), session.StatusInProgress, "")

	carrierConn := newFakeConn()
	modelConn := newFakeConn()

	b := New(Config{Store: store})
	b.carrier = carrierConn
	b.model = modelConn
	b.sessionID = sess.ID()
	b.sess = sess
	b.streamSID = "MZ123"

	b.mu.Lock()
	b.responseActive = true
	b.activeItemID = "item-1"
	b.activeContentIndex = 0
	b.sentAudioMs = 500
	b.playbackStartedAt = time.Now().Add(-250 * time.Millisecond)
	b.mu.Unlock()

	b.bargeIn()

	carrierWrites := carrierConn.writtenTypes(t)
	assert.Contains(t, carrierWrites, "clear")

	modelWrites := modelConn.writtenTypes(t)
	assert.Contains(t, modelWrites, "response.cancel")
	assert.Contains(t, modelWrites, "conversation.item.truncate")

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, "", b.activeItemID)
	assert.False(t, b.responseActive)
	assert.Equal(t, int64(0), b.sentAudioMs)
}

func TestBridge_HandleModelError_RecoverableDoesNotFailSession(t *testing.T) {
	store := newTestStore()
	sess := store.CreateSession(nil)
	store.UpdateStatus(sess.ID(), session.StatusInProgress, "")

	b := New(Config{Store: store})
	b.sessionID = sess.ID()
	b.markPending("evt-1")

	b.handleModelError(&ModelError{EventID: "evt-1", Message: "response already completed"})

	summary := store.GetSummary(sess.ID())
	assert.Equal(t, session.StatusInProgress, summary.Status)
}

func TestBridge_HandleModelError_UnrecoverableFailsSession(t *testing.T) {
	store := newTestStore()
	sess := store.CreateSession(nil)
	store.UpdateStatus(sess.ID(), session.StatusInProgress, "")

	b := New(Config{Store: store})
	b.carrier = newFakeConn()
	b.model = newFakeConn()
	b.sessionID = sess.ID()

	b.handleModelError(&ModelError{Code: "invalid_request", Message: "bad payload"})

	summary := store.GetSummary(sess.ID())
	assert.Equal(t, session.StatusFailed, summary.Status)
}
