// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package bridge

import (
	"encoding/json"

	"github.com/rapidaai/callassistant/internal/apperr"
)

// ModelEvent is the untyped envelope for events received from the
// realtime model websocket. Shape grounded on the OpenAI-style realtime
// event vocabulary (session.*, response.*, conversation.item.*,
// input_audio_buffer.*, error), parsed defensively: unrecognized event
// types are ignored at debug, never torn down the session.
type ModelEvent struct {
	Type string `json:"type"`

	// response.output_audio.delta
	ResponseID   string `json:"response_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	Delta        string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.delta / .completed
	// (recipient transcription) share item_id/delta above; completed uses:
	Transcript string `json:"transcript,omitempty"`

	// response.audio_transcript.delta / .done (assistant transcription)
	// also share item_id/delta/transcript above.

	// input_audio_buffer.committed
	PreviousItemID string `json:"previous_item_id,omitempty"`

	// error
	Error *ModelError `json:"error,omitempty"`

	// generic event id, present on every outbound/inbound event; used to
	// correlate barge-in control messages with their recoverable errors.
	EventID string `json:"event_id,omitempty"`
}

// ModelError is the structured error payload in a model "error" event.
type ModelError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Known model event types this bridge acts on. Anything else falls into
// the catch-all bucket.
const (
	modelEventSessionCreated          = "session.created"
	modelEventOutputAudioDelta        = "response.output_audio.delta"
	modelEventResponseCreated         = "response.created"
	modelEventResponseDone            = "response.done"
	modelEventRecipientTranscriptDelta = "conversation.item.input_audio_transcription.delta"
	modelEventRecipientTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	modelEventAssistantTranscriptDelta = "response.audio_transcript.delta"
	modelEventAssistantTranscriptDone  = "response.audio_transcript.done"
	modelEventInputAudioCommitted      = "input_audio_buffer.committed"
	modelEventSpeechStarted            = "input_audio_buffer.speech_started"
	modelEventError                    = "error"
)

// recoverable error codes: a race between a barge-in control message and
// the model's own natural turn completion. Logged at warn, never
// propagated to session failure.
var recoverableErrorCodes = map[string]bool{
	"response_cancel_not_active":          true,
	"conversation_item_not_found":         true,
	"conversation_item_already_completed": true,
}

// sessionConfigureOut is sent once, immediately after the model socket
// opens, to configure input/output audio format, VAD, transcription model,
// voice, and the rendered instructions prompt.
type sessionConfigureOut struct {
	Type    string               `json:"type"`
	Session sessionConfigPayload `json:"session"`
}

type sessionConfigPayload struct {
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	TurnDetection           turnDetectionConfig `json:"turn_detection"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	Voice                   string              `json:"voice"`
	Instructions            string              `json:"instructions"`
}

type turnDetectionConfig struct {
	Type               string `json:"type"`
	InterruptResponse  bool   `json:"interrupt_response"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// audioAppendOut forwards a raw carrier PCMU frame into the model's input
// audio buffer, verbatim base64.
type audioAppendOut struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// responseCancelOut cancels an in-flight model response (barge-in step 2).
type responseCancelOut struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// itemTruncateOut truncates an assistant conversation item to what the
// listener actually heard (barge-in step 3).
type itemTruncateOut struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

func parseModelEvent(raw []byte) (ModelEvent, error) {
	var ev ModelEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ModelEvent{}, &apperr.ParseError{Preview: apperr.Preview(string(raw), 120)}
	}
	return ev, nil
}

// isRecoverable reports whether a model error is a known race between a
// barge-in control message this bridge sent and the model's own natural
// turn-completion, identified either by the error referencing an event id
// this bridge is tracking as pending, or by its code/message matching the
// documented recoverable set.
func isRecoverable(err *ModelError, pending map[string]bool) bool {
	if err == nil {
		return false
	}
	if err.EventID != "" && pending[err.EventID] {
		return true
	}
	if recoverableErrorCodes[err.Code] {
		return true
	}
	msg := err.Message
	return containsFold(msg, "cancel") || containsFold(msg, "truncate")
}

func containsFold(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	h := []byte(haystack)
	n := []byte(needle)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			a, b := h[i+j], n[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
