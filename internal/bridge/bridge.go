// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
// Package bridge implements the full-duplex media bridge between a
// carrier media websocket (PCMU, 20ms frames) and a realtime model
// websocket. Its dual-socket dial/read-loop/write-mutex shape is grounded
// on websocket_executor.go (errgroup-coordinated start, separate
// read-mutex-free receive loop with a dedicated write mutex,
// CloseNormalClosure-aware teardown); the carrier/model
// translation and barge-in sequencing is grounded on
// other_examples/kidandcat-minerva__voice.go's forwardToGemini /
// geminiToTwilio / forwardToTwilio pipeline, adapted from Gemini's audio
// event vocabulary to this bridge's realtime event vocabulary.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/callassistant/internal/apperr"
	"github.com/rapidaai/callassistant/internal/audio"
	"github.com/rapidaai/callassistant/internal/log"
	"github.com/rapidaai/callassistant/internal/session"
)

// state is the bridge's own local state machine, independent of the
// session's status: awaiting-start→bound→active→closing→closed.
type state int

const (
	stateAwaitingStart state = iota
	stateBound
	stateActive
	stateClosing
	stateClosed
)

// BindTimeout is how long the bridge waits for a carrier "start" event (or
// an already-bound session id) before giving up and closing the carrier
// socket with 1008.
const BindTimeout = 10 * time.Second

// carrierConn and modelConn are the minimal surfaces this package needs
// from a gorilla *websocket.Conn, so bridge logic can be exercised against
// fakes without opening a real socket.
type carrierConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type modelConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ModelDialer opens the realtime model websocket. Implemented in
// production by a thin gorilla/websocket.DefaultDialer wrapper carrying
// the API key / model query param and auth header; swappable in tests.
type ModelDialer interface {
	Dial(ctx context.Context) (modelConn, error)
}

// Config bundles together everything a Bridge needs beyond the carrier
// socket and session id: the store to mutate, the model dialer, the
// instructions template + static prompt fields, and the model's
// transcription/voice settings.
type Config struct {
	Store              *session.Store
	Logger             log.Logger
	Dialer             ModelDialer
	InstructionsTmpl   string
	PromptFields       PromptFields
	Voice              string
	TranscriptionModel string

	// LevelSampleCadence is the "every K-th frame" cadence for audio-level
	// sampling; defaults to audio.DefaultLevelSampleCadence when zero.
	LevelSampleCadence int
}

// Bridge owns one carrier↔model pairing for the lifetime of a call.
type Bridge struct {
	cfg Config

	mu    sync.Mutex
	st    state
	sess  *session.Session
	sessionID string

	carrier carrierConn
	model   modelConn

	carrierWriteMu sync.Mutex
	modelWriteMu   sync.Mutex

	streamSID string

	recipientFrameN int
	assistantFrameN int

	// active assistant playback tracking, for barge-in.
	activeResponseID   string
	activeItemID       string
	activeContentIndex int
	sentAudioMs        int64
	playbackStartedAt  time.Time
	responseActive     bool

	pendingEventIDs map[string]bool
}

// New constructs a Bridge bound to no session yet; Run performs the
// awaiting-start handshake.
func New(cfg Config) *Bridge {
	if cfg.LevelSampleCadence == 0 {
		cfg.LevelSampleCadence = audio.DefaultLevelSampleCadence
	}
	return &Bridge{
		cfg:             cfg,
		st:              stateAwaitingStart,
		pendingEventIDs: make(map[string]bool),
	}
}

// Run drives the bridge for the lifetime of the carrier connection. If
// sessionIDHint is non-empty (resolved from the carrier's custom
// parameters before the socket was even accepted), the bridge binds
// immediately; otherwise it waits for the first carrier "start" message to
// resolve a session, either via custom parameters or the carrier-call-id
// reverse index, within BindTimeout.
func (b *Bridge) Run(ctx context.Context, carrier carrierConn, sessionIDHint string) error {
	b.carrier = carrier

	if sessionIDHint != "" {
		if err := b.bind(sessionIDHint); err != nil {
			b.closeCarrier(websocket.CloseInternalServerErr, "unknown session")
			return err
		}
	}

	bindCtx, cancelBind := context.WithTimeout(ctx, BindTimeout)
	defer cancelBind()

	firstMsg, err := b.awaitBind(bindCtx)
	if err != nil {
		b.closeCarrier(1008, "missing session binding")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.runModelLoop(gctx)
	})
	g.Go(func() error {
		return b.runCarrierLoop(gctx, firstMsg)
	})

	err = g.Wait()
	b.teardown()
	return err
}

// awaitBind blocks on the carrier socket until the bridge can resolve
// (or confirm) a session binding, returning the first raw carrier message
// so the caller doesn't lose it to the handshake read. If sessionIDHint
// already bound the bridge, it still reads the first message (expected to
// be the carrier's "start" event) before returning.
func (b *Bridge) awaitBind(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		_, data, err := b.carrier.ReadMessage()
		resultCh <- readResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		if b.currentState() == stateAwaitingStart {
			msg, err := parseCarrierMessage(r.data)
			if err != nil {
				return nil, fmt.Errorf("bridge: parsing first carrier message: %w", err)
			}
			if msg.Start == nil {
				return nil, fmt.Errorf("bridge: expected start event, got %q", msg.Event)
			}
			sessionID := msg.Start.CustomParameters["sessionId"]
			if sessionID == "" {
				if s := b.cfg.Store.GetSessionByCarrierCallID(msg.Start.CallSID); s != nil {
					sessionID = s.ID()
				}
			}
			if sessionID == "" {
				return nil, fmt.Errorf("bridge: could not resolve session for call %s", msg.Start.CallSID)
			}
			if err := b.bind(sessionID); err != nil {
				return nil, err
			}
		}
		return r.data, nil
	}
}

func (b *Bridge) bind(sessionID string) error {
	s := b.cfg.Store.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("bridge: unknown session %s", sessionID)
	}
	b.mu.Lock()
	b.sess = s
	b.sessionID = sessionID
	b.st = stateBound
	b.mu.Unlock()
	return nil
}

func (b *Bridge) currentState() state {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *Bridge) setState(s state) {
	b.mu.Lock()
	b.st = s
	b.mu.Unlock()
}

// runModelLoop dials the model socket, sends the session-configure
// message, and then reads model events until the context is canceled or
// the model socket closes.
func (b *Bridge) runModelLoop(ctx context.Context) error {
	model, err := b.cfg.Dialer.Dial(ctx)
	if err != nil {
		b.fail(fmt.Sprintf("dialing model: %v", err))
		return err
	}
	b.model = model
	defer model.Close()

	if err := b.sendSessionConfigure(); err != nil {
		b.fail(fmt.Sprintf("configuring model session: %v", err))
		return err
	}

	b.maybeActivate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := model.ReadMessage()
		if err != nil {
			b.onModelClose(err)
			return err
		}

		ev, err := parseModelEvent(data)
		if err != nil {
			if b.cfg.Logger != nil {
				b.cfg.Logger.Debugf("bridge: unparseable model event: %v", err)
			}
			continue
		}
		b.handleModelEvent(ev)
	}
}

func (b *Bridge) sendSessionConfigure() error {
	brief := session.CallBrief{}
	if b.sess != nil && b.sess.CallBrief() != nil {
		brief = *b.sess.CallBrief()
	}
	instructions := renderInstructions(b.cfg.InstructionsTmpl, b.cfg.PromptFields, brief)

	msg := sessionConfigureOut{
		Type: "session.update",
		Session: sessionConfigPayload{
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			TurnDetection: turnDetectionConfig{
				Type:              "server_vad",
				InterruptResponse: true,
			},
			InputAudioTranscription: transcriptionConfig{
				Model: b.cfg.TranscriptionModel,
			},
			Voice:        b.cfg.Voice,
			Instructions: instructions,
		},
	}
	return b.writeModelJSON(msg)
}

// runCarrierLoop reads carrier messages (having already consumed the first
// one during awaitBind) and dispatches them.
func (b *Bridge) runCarrierLoop(ctx context.Context, firstMsg []byte) error {
	if err := b.handleCarrierRaw(firstMsg); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := b.carrier.ReadMessage()
		if err != nil {
			b.onCarrierClose(err)
			return err
		}
		if err := b.handleCarrierRaw(data); err != nil {
			return err
		}
	}
}

func (b *Bridge) handleCarrierRaw(data []byte) error {
	msg, err := parseCarrierMessage(data)
	if err != nil {
		if b.cfg.Logger != nil {
			b.cfg.Logger.Debugf("bridge: unparseable carrier message: %v", err)
		}
		return nil
	}
	b.handleCarrierMessage(msg)
	return nil
}

func parseCarrierMessage(raw []byte) (CarrierMessage, error) {
	var msg CarrierMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return CarrierMessage{}, &apperr.ParseError{Preview: apperr.Preview(string(raw), 120)}
	}
	return msg, nil
}

func (b *Bridge) handleCarrierMessage(msg CarrierMessage) {
	switch msg.Event {
	case "start":
		if msg.Start != nil {
			b.streamSID = msg.Start.StreamSID
			b.cfg.Store.SetCarrierCallID(b.sessionID, msg.Start.CallSID)
			b.cfg.Store.UpdateStatus(b.sessionID, session.StatusInProgress, "")
			b.maybeActivate()
		}
	case "media":
		if msg.Media != nil {
			b.forwardCarrierMedia(msg.Media)
		}
	case "stop":
		reason := ""
		if msg.Stop != nil {
			reason = msg.Stop.Reason
		}
		b.cfg.Store.UpdateStatus(b.sessionID, session.StatusCompleted, reason)
		b.setState(stateClosing)
		b.closeModel()
	case "mark":
		// acknowledgement only; nothing to do.
	default:
		if b.cfg.Logger != nil {
			b.cfg.Logger.Debugf("bridge: ignoring carrier event %q", msg.Event)
		}
	}
}

func (b *Bridge) forwardCarrierMedia(media *CarrierMedia) {
	if err := b.writeModelJSON(audioAppendOut{Type: "input_audio_buffer.append", Audio: media.Payload}); err != nil {
		if b.cfg.Logger != nil {
			b.cfg.Logger.Warnf("bridge: forwarding carrier media to model: %v", err)
		}
	}

	b.recipientFrameN++
	if b.recipientFrameN%b.cfg.LevelSampleCadence != 0 {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	level := audio.LevelFromMuLawFrame(raw)
	b.cfg.Store.AppendAudioLevel(b.sessionID, session.SpeakerRecipient, level)
}

func (b *Bridge) handleModelEvent(ev ModelEvent) {
	switch ev.Type {
	case modelEventResponseCreated:
		b.mu.Lock()
		b.responseActive = true
		b.mu.Unlock()

	case modelEventOutputAudioDelta:
		b.forwardModelAudio(ev)

	case modelEventRecipientTranscriptDelta:
		b.cfg.Store.AppendTranscriptDelta(b.sessionID, session.SpeakerRecipient, ev.ItemID, ev.Delta, ev.PreviousItemID)
	case modelEventRecipientTranscriptDone:
		b.cfg.Store.AppendTranscriptFinal(b.sessionID, session.SpeakerRecipient, ev.ItemID, ev.Transcript, ev.PreviousItemID)

	case modelEventAssistantTranscriptDelta:
		b.cfg.Store.AppendTranscriptDelta(b.sessionID, session.SpeakerAssistant, ev.ItemID, ev.Delta, ev.PreviousItemID)
	case modelEventAssistantTranscriptDone:
		b.cfg.Store.AppendTranscriptFinal(b.sessionID, session.SpeakerAssistant, ev.ItemID, ev.Transcript, ev.PreviousItemID)

	case modelEventInputAudioCommitted:
		b.cfg.Store.RecordTranscriptOrder(b.sessionID, string(session.SpeakerRecipient), ev.ItemID, ev.PreviousItemID)

	case modelEventSpeechStarted:
		b.bargeIn()

	case modelEventResponseDone:
		b.mu.Lock()
		b.responseActive = false
		b.mu.Unlock()

	case modelEventError:
		b.handleModelError(ev.Error)

	default:
		if b.cfg.Logger != nil {
			b.cfg.Logger.Debugf("bridge: ignoring model event %q", ev.Type)
		}
	}
}

func (b *Bridge) forwardModelAudio(ev ModelEvent) {
	b.mu.Lock()
	if b.activeItemID != ev.ItemID {
		b.activeItemID = ev.ItemID
		b.activeContentIndex = ev.ContentIndex
		b.sentAudioMs = 0
		b.playbackStartedAt = time.Now()
	}
	if ev.ResponseID != "" {
		b.activeResponseID = ev.ResponseID
	}
	raw, err := base64.StdEncoding.DecodeString(ev.Delta)
	frameLen := len(raw)
	b.mu.Unlock()

	if err := b.writeCarrierJSON(carrierMediaOut{
		Event:     "media",
		StreamSID: b.streamSID,
		Media:     carrierMediaOutPayload{Payload: ev.Delta},
	}); err != nil {
		if b.cfg.Logger != nil {
			b.cfg.Logger.Warnf("bridge: forwarding model audio to carrier: %v", err)
		}
	}
	if err != nil {
		return
	}

	b.mu.Lock()
	b.sentAudioMs += audio.BytesToMillis(frameLen)
	b.mu.Unlock()

	b.assistantFrameN++
	if b.assistantFrameN%b.cfg.LevelSampleCadence == 0 {
		level := audio.LevelFromMuLawFrame(raw)
		b.cfg.Store.AppendAudioLevel(b.sessionID, session.SpeakerAssistant, level)
	}
}

// bargeIn runs the four-step playback interruption: clear the carrier's
// queued audio, cancel the active response (if any), truncate the active
// assistant item to min(sent audio, elapsed playback time) when audio was
// sent, and reset the active-response/item tracking state.
func (b *Bridge) bargeIn() {
	_ = b.writeCarrierJSON(carrierClearOut{Event: "clear", StreamSID: b.streamSID})

	b.mu.Lock()
	responseActive := b.responseActive
	itemID := b.activeItemID
	contentIndex := b.activeContentIndex
	sentMs := b.sentAudioMs
	startedAt := b.playbackStartedAt
	b.mu.Unlock()

	if responseActive {
		eventID := b.nextEventID()
		b.markPending(eventID)
		_ = b.writeModelJSON(responseCancelOut{Type: "response.cancel", EventID: eventID})
	}

	if itemID != "" && sentMs > 0 {
		elapsedMs := time.Since(startedAt).Milliseconds()
		audioEndMs := sentMs
		if elapsedMs < audioEndMs {
			audioEndMs = elapsedMs
		}
		eventID := b.nextEventID()
		b.markPending(eventID)
		_ = b.writeModelJSON(itemTruncateOut{
			Type:         "conversation.item.truncate",
			EventID:      eventID,
			ItemID:       itemID,
			ContentIndex: contentIndex,
			AudioEndMs:   audioEndMs,
		})
	}

	b.mu.Lock()
	b.activeResponseID = ""
	b.activeItemID = ""
	b.activeContentIndex = 0
	b.sentAudioMs = 0
	b.responseActive = false
	b.mu.Unlock()
}

func (b *Bridge) handleModelError(modelErr *ModelError) {
	b.mu.Lock()
	pending := make(map[string]bool, len(b.pendingEventIDs))
	for id := range b.pendingEventIDs {
		pending[id] = true
	}
	b.mu.Unlock()

	if isRecoverable(modelErr, pending) {
		if b.cfg.Logger != nil {
			msg := ""
			if modelErr != nil {
				msg = modelErr.Message
			}
			b.cfg.Logger.Warnf("bridge: recoverable model error: %s", msg)
		}
		if modelErr != nil && modelErr.EventID != "" {
			b.clearPending(modelErr.EventID)
		}
		return
	}

	msg := "model error"
	if modelErr != nil {
		msg = modelErr.Message
	}
	b.fail(msg)
}

func (b *Bridge) nextEventID() string {
	return "bargein-" + uuid.New().String()
}

func (b *Bridge) markPending(id string) {
	b.mu.Lock()
	b.pendingEventIDs[id] = true
	b.mu.Unlock()
}

func (b *Bridge) clearPending(id string) {
	b.mu.Lock()
	delete(b.pendingEventIDs, id)
	b.mu.Unlock()
}

// maybeActivate transitions bound→active once the model socket is open
// and the session status is in-progress.
func (b *Bridge) maybeActivate() {
	b.mu.Lock()
	ready := b.st == stateBound && b.model != nil && b.sess != nil
	sessionID := b.sessionID
	b.mu.Unlock()
	if !ready {
		return
	}

	summary := b.cfg.Store.GetSummary(sessionID)
	if summary == nil || summary.Status != session.StatusInProgress {
		return
	}

	b.mu.Lock()
	if b.st == stateBound {
		b.st = stateActive
	}
	b.mu.Unlock()
}

func (b *Bridge) fail(reason string) {
	b.cfg.Store.UpdateStatus(b.sessionID, session.StatusFailed, reason)
	b.setState(stateClosing)
	b.closeModel()
	b.closeCarrier(websocket.CloseInternalServerErr, reason)
}

func (b *Bridge) onCarrierClose(err error) {
	b.setState(stateClosing)
	if !b.cfg.Store.IsTerminal(b.sessionID) {
		reason := "carrier closed"
		if err != nil {
			reason = err.Error()
		}
		if !isNormalClose(err) {
			b.cfg.Store.UpdateStatus(b.sessionID, session.StatusFailed, reason)
		}
	}
	b.closeModel()
}

func (b *Bridge) onModelClose(err error) {
	b.setState(stateClosing)
	if !b.cfg.Store.IsTerminal(b.sessionID) {
		reason := "model closed"
		if err != nil {
			reason = err.Error()
		}
		if !isNormalClose(err) {
			b.cfg.Store.UpdateStatus(b.sessionID, session.StatusFailed, reason)
		}
	}
	b.closeCarrier(websocket.CloseNormalClosure, "model closed")
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

func (b *Bridge) closeModel() {
	if b.model != nil {
		_ = b.model.Close()
	}
}

func (b *Bridge) closeCarrier(code int, reason string) {
	if b.carrier == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = b.carrier.WriteMessage(websocket.CloseMessage, msg)
	_ = b.carrier.Close()
}

func (b *Bridge) teardown() {
	b.setState(stateClosed)
}

func (b *Bridge) writeModelJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.modelWriteMu.Lock()
	defer b.modelWriteMu.Unlock()
	if b.model == nil {
		return fmt.Errorf("bridge: model socket not open")
	}
	return b.model.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) writeCarrierJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.carrierWriteMu.Lock()
	defer b.carrierWriteMu.Unlock()
	if b.carrier == nil {
		return fmt.Errorf("bridge: carrier socket not open")
	}
	return b.carrier.WriteMessage(websocket.TextMessage, data)
}
