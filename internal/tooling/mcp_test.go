// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package tooling

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/summary"
	"github.com/rapidaai/callassistant/internal/telephony"
	"github.com/rapidaai/callassistant/internal/viewertoken"
)

func toolRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

func newTestPlane(t *testing.T) (*Plane, *session.Store) {
	t.Helper()
	store := session.NewStore(nil)
	tokens := viewertoken.New("test-secret")
	tel := telephony.New(telephony.Config{PublicURL: "https://example.test"}, store, tokens, nil)
	synth := summary.New(summary.Config{Store: store})
	assets := NewAssetRegistry(t.TempDir())

	p := New(store, tel, synth, assets, PanelDefaults{
		DisplayNumber:      "+15550000000",
		StudentName:        "Jamie",
		ParentName:         "Morgan",
		ParentRelationship: "mother",
		ParentNumberLabel:  "mobile",
	})
	return p, store
}

func TestHandleOpenCallPanel_ReturnsReadyStatusDescriptor(t *testing.T) {
	p, _ := newTestPlane(t)

	result, err := p.handleOpenCallPanel(context.Background(), toolRequest(map[string]any{
		"reasonSummary": "Absent three days this week",
	}))

	require.NoError(t, err)
	descriptor, ok := result.StructuredContent.(callPanelDescriptor)
	require.True(t, ok)
	assert.Equal(t, "ready", descriptor.Status)
	assert.Equal(t, "Jamie", descriptor.StudentName)
	assert.Equal(t, "Absent three days this week", descriptor.ReasonSummary)
	assert.Nil(t, descriptor.SessionID)
}

func TestHandleInitiateCall_CreatesSessionEvenWithoutCarrierConfigured(t *testing.T) {
	p, store := newTestPlane(t)

	result, err := p.handleInitiateCall(context.Background(), toolRequest(map[string]any{
		"reasonSummary": "check-in",
	}))

	require.NoError(t, err)
	callResult, ok := result.StructuredContent.(telephony.CallStartResult)
	require.True(t, ok)
	assert.NotEmpty(t, callResult.SessionID)
	assert.Equal(t, string(session.StatusFailed), callResult.Status)

	summ := store.GetSummary(callResult.SessionID)
	require.NotNil(t, summ)
}

func TestHandleCallStatus_UnknownSessionReportsNotFound(t *testing.T) {
	p, _ := newTestPlane(t)

	result, err := p.handleCallStatus(context.Background(), toolRequest(map[string]any{
		"sessionId": "unknown",
	}))

	require.NoError(t, err)
	body, ok := result.StructuredContent.(map[string]bool)
	require.True(t, ok)
	assert.False(t, body["found"])
}

func TestHandleSummariseCall_UnknownSessionReportsNotFound(t *testing.T) {
	p, _ := newTestPlane(t)

	result, err := p.handleSummariseCall(context.Background(), toolRequest(map[string]any{
		"sessionId": "unknown",
	}))

	require.NoError(t, err)
	body, ok := result.StructuredContent.(map[string]bool)
	require.True(t, ok)
	assert.False(t, body["found"])
}

func TestHandleSummariseCall_KnownSessionReturnsSummary(t *testing.T) {
	p, store := newTestPlane(t)
	sess := store.CreateSession(nil)
	store.AppendTranscriptFinal(sess.ID(), session.SpeakerRecipient, "item-1", "Everything is fine.", "")

	result, err := p.handleSummariseCall(context.Background(), toolRequest(map[string]any{
		"sessionId": sess.ID(),
	}))

	require.NoError(t, err)
	body, ok := result.StructuredContent.(summary.Summary)
	require.True(t, ok)
	assert.Equal(t, summary.SourceHeuristic, body.Source)
}
