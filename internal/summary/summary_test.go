// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package summary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/callassistant/internal/session"
)

type fakeRemote struct {
	payload string
	err     error
	calls   int
}

func (f *fakeRemote) Complete(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.payload, f.err
}

func newTicker() Clock {
	n := 0
	return func() string {
		n++
		if n == 1 {
			return "t1"
		}
		return "t2"
	}
}

func TestGet_UnknownSessionReturnsNotFound(t *testing.T) {
	store := session.NewStore(nil)
	s := New(Config{Store: store})

	result := s.Get(context.Background(), "unknown")

	assert.False(t, result.Found)
}

func TestGet_EmptyTranscriptHeuristicReturnsUnknownRisk(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	s := New(Config{Store: store})

	result := s.Get(context.Background(), sess.ID())

	require.True(t, result.Found)
	assert.Equal(t, SourceHeuristic, result.Summary.Source)
	assert.Equal(t, RiskUnknown, result.Summary.AttendanceRisk)
}

func TestGet_HeuristicAssignsHighRiskOnKeyword(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "We are worried we might become homeless this month.", "")
	s := New(Config{Store: store})

	result := s.Get(context.Background(), sess.ID())

	assert.Equal(t, RiskHigh, result.Summary.AttendanceRisk)
	assert.Contains(t, result.Summary.ActionItems[0], "Follow up")
}

func TestGet_HeuristicAssignsMediumRiskOnTransportKeyword(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "We missed the bus this morning and had no ride.", "")
	s := New(Config{Store: store})

	result := s.Get(context.Background(), sess.ID())

	assert.Equal(t, RiskMedium, result.Summary.AttendanceRisk)
	assert.Contains(t, result.Summary.ActionItems, "Coordinate transportation support.")
}

func TestGet_CacheHitReturnsIdenticalPayloadUntilSeqAdvances(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "Everything is fine, thanks.", "")

	s := New(Config{Store: store, Now: newTicker()})

	first := s.Get(context.Background(), sess.ID())
	second := s.Get(context.Background(), sess.ID())
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, "t1", first.Summary.GeneratedAt)

	store.AppendTranscriptFinal(sess.ID(), session.SpeakerAssistant, "item-2", "Glad to hear it.", "item-1")
	third := s.Get(context.Background(), sess.ID())
	assert.NotEqual(t, first.Summary.GeneratedAt, third.Summary.GeneratedAt)
}

func TestGet_RemoteSuccessIsUsedOverHeuristic(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "Jamie was sick this week.", "")

	s := New(Config{Store: store, Now: func() string { return "now" }})
	s.remote = &fakeRemote{payload: `{"summary":"Parent reported illness.","keyPoints":["illness"],"actionItems":["check in"],"attendanceRisk":"medium"}`}

	result := s.Get(context.Background(), sess.ID())

	assert.Equal(t, SourceRemote, result.Summary.Source)
	assert.Equal(t, "Parent reported illness.", result.Summary.Summary)
	assert.Equal(t, RiskMedium, result.Summary.AttendanceRisk)
}

func TestGet_RemoteFailureFallsBackToHeuristic(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "All good here.", "")

	s := New(Config{Store: store})
	s.remote = &fakeRemote{err: assertErr("network down")}

	result := s.Get(context.Background(), sess.ID())

	assert.Equal(t, SourceHeuristic, result.Summary.Source)
}

func TestGet_RemoteMalformedPayloadFallsBackToHeuristic(t *testing.T) {
	store := session.NewStore(nil)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "All good here.", "")

	s := New(Config{Store: store})
	s.remote = &fakeRemote{payload: `{"summary":"","attendanceRisk":"not-a-risk"}`}

	result := s.Get(context.Background(), sess.ID())

	assert.Equal(t, SourceHeuristic, result.Summary.Source)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
