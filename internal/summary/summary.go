// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package summary implements the Summary Synthesizer: a cached, on-demand
// post-call summary built from a session's transcript, preferring a remote
// structured-output call and falling back to a deterministic heuristic.
// The heuristic's transcript-to-prompt assembly and graceful-fallback-on-
// failure shape is grounded on other_examples/kidandcat-minerva__voice.go's
// generateSummary; the remote call uses the openai-go dependency.
package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rapidaai/callassistant/internal/log"
	"github.com/rapidaai/callassistant/internal/session"
)

// Risk is the attendance-risk band assigned to a summary.
type Risk string

const (
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
	RiskUnknown Risk = "unknown"
)

// Source identifies whether a Summary was produced by the remote model or
// the heuristic fallback.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceHeuristic Source = "heuristic"
)

// Summary is the structured post-call summary produced for a session.
type Summary struct {
	SessionID      string   `json:"sessionId"`
	Summary        string   `json:"summary"`
	KeyPoints      []string `json:"keyPoints"`
	ActionItems    []string `json:"actionItems"`
	AttendanceRisk Risk     `json:"attendanceRisk"`
	Source         Source   `json:"source"`
	GeneratedAt    string   `json:"generatedAt"`
	LastSeq        uint64   `json:"-"`
}

// Result is returned by Get; Found is false when the session id is
// unknown, surfaced by summarise-call as a `{found:false}` response.
type Result struct {
	Found   bool
	Summary Summary
}

// Clock lets tests control GeneratedAt without touching wall-clock time.
type Clock func() string

// Config configures a Synthesizer.
type Config struct {
	Store  *session.Store
	Logger log.Logger
	APIKey string
	Model  string
	Now    Clock
}

// remoteCaller is the narrow surface of the openai-go chat completions
// client this package calls, so tests can substitute a fake.
type remoteCaller interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Synthesizer produces and caches post-call summaries.
type Synthesizer struct {
	store  *session.Store
	logger log.Logger
	model  string
	remote remoteCaller
	now    Clock

	mu    sync.Mutex
	cache map[string]Summary
}

// New constructs a Synthesizer. If apiKey is empty, the remote path is
// disabled and every call falls through to the heuristic.
func New(cfg Config) *Synthesizer {
	now := cfg.Now
	if now == nil {
		now = func() string { return "" }
	}

	s := &Synthesizer{
		store:  cfg.Store,
		logger: cfg.Logger,
		model:  cfg.Model,
		now:    now,
		cache:  make(map[string]Summary),
	}
	if cfg.APIKey != "" {
		client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		s.remote = &openaiCaller{client: client}
	}
	return s
}

// Get returns the session's summary: a cache hit if lastSeq is unchanged
// since the last computation, otherwise a fresh remote-then-heuristic
// computation.
func (s *Synthesizer) Get(ctx context.Context, sessionID string) Result {
	summary := s.store.GetSummary(sessionID)
	if summary == nil {
		return Result{Found: false}
	}

	s.mu.Lock()
	if cached, ok := s.cache[sessionID]; ok && cached.LastSeq == summary.LastSeq {
		s.mu.Unlock()
		return Result{Found: true, Summary: cached}
	}
	s.mu.Unlock()

	out := s.compute(ctx, summary)

	s.mu.Lock()
	s.cache[sessionID] = out
	s.mu.Unlock()

	return Result{Found: true, Summary: out}
}

func (s *Synthesizer) compute(ctx context.Context, summ *session.Summary) Summary {
	if s.remote != nil && len(summ.TranscriptItems) > 0 {
		if out, ok := s.tryRemote(ctx, summ); ok {
			return out
		}
	}
	return s.heuristic(summ)
}

func (s *Synthesizer) tryRemote(ctx context.Context, summ *session.Summary) (Summary, bool) {
	prompt := buildRemotePrompt(summ)
	raw, err := s.remote.Complete(ctx, s.model, prompt)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnf("summary: remote synthesis failed for %s: %v", summ.SessionID, err)
		}
		return Summary{}, false
	}

	parsed, err := parseRemotePayload(raw)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnf("summary: remote payload for %s did not match schema: %v", summ.SessionID, err)
		}
		return Summary{}, false
	}

	parsed.SessionID = summ.SessionID
	parsed.Source = SourceRemote
	parsed.GeneratedAt = s.now()
	parsed.LastSeq = summ.LastSeq
	return parsed, true
}

// heuristic is the deterministic fallback: a natural-language summary
// from the last two nonempty recipient turns (or
// assistant turns if none), a hard-coded action-item baseline extended by
// transport/health keyword detection, and keyword-band risk assignment.
func (s *Synthesizer) heuristic(summ *session.Summary) Summary {
	if len(summ.TranscriptItems) == 0 {
		return Summary{
			SessionID:      summ.SessionID,
			Summary:        "No transcript is available for this call yet.",
			ActionItems:    []string{},
			KeyPoints:      []string{},
			AttendanceRisk: RiskUnknown,
			Source:         SourceHeuristic,
			GeneratedAt:    s.now(),
			LastSeq:        summ.LastSeq,
		}
	}

	recipientTurns := lastNonemptyTurns(summ.TranscriptItems, session.SpeakerRecipient, 2)
	turns := recipientTurns
	if len(turns) == 0 {
		turns = lastNonemptyTurns(summ.TranscriptItems, session.SpeakerAssistant, 2)
	}

	allText := transcriptText(summ.TranscriptItems)

	text := "The call covered: " + strings.Join(turns, " ")
	actionItems := []string{"Follow up with the family regarding today's discussion."}
	if containsAny(allText, "bus", "ride", "transport", "pickup", "drop off") {
		actionItems = append(actionItems, "Coordinate transportation support.")
	}
	if containsAny(allText, "sick", "doctor", "hospital", "ill", "health") {
		actionItems = append(actionItems, "Check in on the student's health status.")
	}

	return Summary{
		SessionID:      summ.SessionID,
		Summary:        text,
		KeyPoints:      turns,
		ActionItems:    actionItems,
		AttendanceRisk: riskFromKeywords(allText),
		Source:         SourceHeuristic,
		GeneratedAt:    s.now(),
		LastSeq:        summ.LastSeq,
	}
}

func lastNonemptyTurns(items []session.TranscriptItemView, speaker session.Speaker, n int) []string {
	var out []string
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		item := items[i]
		if item.Speaker != speaker {
			continue
		}
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		out = append([]string{text}, out...)
	}
	return out
}

func transcriptText(items []session.TranscriptItemView) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(item.Text)
		sb.WriteString(" ")
	}
	return sb.String()
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

var highRiskKeywords = []string{"homeless", "evict", "unsafe", "hospital", "emergency", "can't make"}
var mediumRiskKeywords = []string{"sick", "ill", "doctor", "transport", "bus", "ride", "work schedule", "shift", "anxiety", "stressed", "family issue"}

func riskFromKeywords(text string) Risk {
	if containsAny(text, highRiskKeywords...) {
		return RiskHigh
	}
	if containsAny(text, mediumRiskKeywords...) {
		return RiskMedium
	}
	return RiskLow
}

func buildRemotePrompt(summ *session.Summary) string {
	var sb strings.Builder
	for _, item := range summ.TranscriptItems {
		speaker := "Parent"
		if item.Speaker == session.SpeakerAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, item.Text)
	}
	return sb.String()
}
