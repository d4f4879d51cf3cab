// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
// Package session implements the process-wide registry of active call
// sessions: the monotonic event log, the transcript-item index, and the
// viewer fan-out subscriber set. All mutation to a session's state flows
// through the Store so that ordering is preserved under concurrent
// telephony-callback, bridge, and viewer goroutines.
package session

import "time"

// Status is one of the CallSession lifecycle states.
type Status string

const (
	StatusReady      Status = "ready"
	StatusQueued     Status = "queued"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Speaker identifies who authored a transcript item or an audio-level
// sample.
type Speaker string

const (
	SpeakerRecipient Speaker = "recipient"
	SpeakerAssistant Speaker = "assistant"
)

// CallBrief carries the free-text context captured at session creation and
// fed into the realtime model's system prompt.
type CallBrief struct {
	ReasonSummary   string
	ContextFromChat string
	AbsenceStats    string
}

// TranscriptItem is one recipient- or assistant-authored conversation turn,
// identified by (Speaker, ItemID).
type TranscriptItem struct {
	ItemID    string
	Speaker   Speaker
	Text      string
	IsFinal   bool
	Seq       uint64
	Order     int
	Timestamp time.Time
}

// EventType tags the variant of an Event.
type EventType string

const (
	EventStatus          EventType = "status"
	EventTranscriptDelta EventType = "transcript.delta"
	EventTranscriptFinal EventType = "transcript.final"
	EventAudioLevel      EventType = "audio.level"
	EventSessionEnd      EventType = "session.end"
)

// Event is one entry in a session's ordered log. Only the fields relevant
// to Type are populated; this mirrors a tagged union via a flat struct so
// JSON encoding produces a compact, self-describing frame for viewers.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// status
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// transcript.delta / transcript.final
	ItemID    string  `json:"itemId,omitempty"`
	Speaker   Speaker `json:"speaker,omitempty"`
	TextDelta string  `json:"textDelta,omitempty"`
	FullText  string  `json:"fullText,omitempty"`
	Order     int     `json:"order,omitempty"`

	// audio.level
	Level float64 `json:"level,omitempty"`
}

// TranscriptItemView is a read-only snapshot returned by Summary, sorted by
// (Order, Seq).
type TranscriptItemView struct {
	ItemID  string  `json:"itemId"`
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"isFinal"`
	Order   int     `json:"order"`
}

// Summary is a point-in-time read-only view of a session, returned by
// GetSummary and used to answer the call-status tool operation.
type Summary struct {
	SessionID       string               `json:"sessionId"`
	CarrierCallID   string               `json:"carrierCallId,omitempty"`
	Status          Status               `json:"status"`
	StartedAt       time.Time            `json:"startedAt"`
	EndedAt         *time.Time           `json:"endedAt,omitempty"`
	TerminalReason  string               `json:"terminalReason,omitempty"`
	LastSeq         uint64               `json:"lastSeq"`
	TranscriptItems []TranscriptItemView `json:"transcriptItems"`
}
