// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/callassistant/internal/log"
)

// DefaultEventLogCap is the default size of a session's FIFO event log
// (spec: eviction is FIFO of the oldest events once the cap is exceeded).
const DefaultEventLogCap = 5000

// DrainGrace is how long a terminal session waits before closing its
// subscribers, to allow the final events to flush.
const DrainGrace = 1 * time.Second

// Sink is a viewer's outbound channel, implemented by the viewer package.
// TrySend must never block; if the sink cannot accept the write it returns
// false and the store terminates the subscriber.
type Sink interface {
	TrySend(Event) bool
	Close()
}

type subscriber struct {
	id   string
	sink Sink
}

// Session is one logical outbound call: its lifecycle, transcript, event
// log and viewer subscribers. All mutation is serialized through the
// session's own mutex; callers never touch these fields directly — every
// access goes through Store methods.
type Session struct {
	mu sync.Mutex

	id            string
	carrierCallID string
	status        Status
	startedAt     time.Time
	endedAt       *time.Time
	terminalReason string

	seq uint64

	transcriptItems map[string]*TranscriptItem // key: speaker+"|"+itemID
	transcriptOrder []string                   // itemID in display order

	events   []Event
	eventCap int

	subscribers map[string]*subscriber

	brief *CallBrief
}

func itemKey(speaker Speaker, itemID string) string {
	return string(speaker) + "|" + itemID
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string {
	return s.id
}

// Store is the process-wide registry of active call sessions. One Store is
// constructed at service startup and lives for the process lifetime —
// sessions are never persisted across restarts (see spec Non-goals).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// carrierIndex maps a carrier-assigned call id to a session id.
	carrierIndex map[string]string

	logger log.Logger
}

// NewStore constructs an empty session registry.
func NewStore(logger log.Logger) *Store {
	return &Store{
		sessions:     make(map[string]*Session),
		carrierIndex: make(map[string]string),
		logger:       logger,
	}
}

// CreateSession allocates a fresh session id, sets status to queued, and
// appends the initial status event. brief may be nil.
func (st *Store) CreateSession(brief *CallBrief) *Session {
	s := &Session{
		id:              uuid.New().String(),
		status:          StatusQueued,
		startedAt:       time.Now(),
		transcriptItems: make(map[string]*TranscriptItem),
		eventCap:        DefaultEventLogCap,
		subscribers:     make(map[string]*subscriber),
		brief:           brief,
	}

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()

	s.mu.Lock()
	st.appendLocked(s, Event{Type: EventStatus, Status: StatusQueued})
	s.mu.Unlock()

	return s
}

// GetSession looks up a session by id. Returns nil if unknown.
func (st *Store) GetSession(sessionID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[sessionID]
}

// GetSessionByCarrierCallID looks up a session via the carrier-call-id
// reverse index. Returns nil if unknown.
func (st *Store) GetSessionByCarrierCallID(carrierCallID string) *Session {
	st.mu.RLock()
	sessionID, ok := st.carrierIndex[carrierCallID]
	st.mu.RUnlock()
	if !ok {
		return nil
	}
	return st.GetSession(sessionID)
}

// CallBrief returns the call brief captured at session creation, or nil.
func (s *Session) CallBrief() *CallBrief {
	return s.brief
}

// SetCarrierCallID idempotently binds a carrier-assigned call id to the
// session, maintaining the reverse index (evicting a stale mapping for the
// same carrier call id if one existed under a different session).
func (st *Store) SetCarrierCallID(sessionID, carrierCallID string) {
	s := st.GetSession(sessionID)
	if s == nil || carrierCallID == "" {
		return
	}

	s.mu.Lock()
	alreadyBound := s.carrierCallID == carrierCallID
	s.carrierCallID = carrierCallID
	s.mu.Unlock()

	if alreadyBound {
		return
	}

	st.mu.Lock()
	st.carrierIndex[carrierCallID] = sessionID
	st.mu.Unlock()
}

// appendLocked appends ev to s's log with a freshly assigned seq, evicting
// the oldest event if the log is at capacity, then broadcasts to
// subscribers. Caller must hold s.mu.
func (st *Store) appendLocked(s *Session, ev Event) Event {
	s.seq++
	ev.Seq = s.seq
	ev.Timestamp = time.Now()

	if len(s.events) >= s.eventCap {
		s.events = s.events[1:]
	}
	s.events = append(s.events, ev)

	st.broadcastLocked(s, ev)
	return ev
}

// broadcastLocked performs a best-effort, non-blocking fan-out to every
// subscriber. A subscriber whose sink cannot accept the write is terminated
// and removed immediately so a slow viewer never blocks session progress.
func (st *Store) broadcastLocked(s *Session, ev Event) {
	for id, sub := range s.subscribers {
		if !sub.sink.TrySend(ev) {
			sub.sink.Close()
			delete(s.subscribers, id)
		}
	}
}

// UpdateStatus transitions the session's status. No-op if the session is
// already terminal. An event is only appended when the status actually
// changes or a reason is supplied. Entering a terminal status additionally
// appends session.end, records EndedAt, and schedules a drain of
// subscribers after DrainGrace.
func (st *Store) UpdateStatus(sessionID string, status Status, reason string) {
	s := st.GetSession(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		if st.logger != nil {
			st.logger.Debugf("session %s: ignoring status update to %s after terminal", sessionID, status)
		}
		return
	}

	changed := s.status != status
	if changed || reason != "" {
		s.status = status
		st.appendLocked(s, Event{Type: EventStatus, Status: status, Reason: reason})
	}

	var drain bool
	if status.IsTerminal() {
		now := time.Now()
		s.endedAt = &now
		s.terminalReason = reason
		st.appendLocked(s, Event{Type: EventSessionEnd, Reason: reason})
		drain = true
	}
	s.mu.Unlock()

	if drain {
		st.scheduleDrain(s)
	}
}

func (st *Store) scheduleDrain(s *Session) {
	time.AfterFunc(DrainGrace, func() {
		s.mu.Lock()
		for id, sub := range s.subscribers {
			sub.sink.Close()
			delete(s.subscribers, id)
		}
		s.mu.Unlock()
	})
}

// RecordTranscriptOrder inserts itemID into the transcript display order
// right after previousItemID when that anchor exists in the order already;
// otherwise appends to the end. itemID is inserted at most once — a
// repeated call for an already-ordered item is a no-op.
func (st *Store) RecordTranscriptOrder(sessionID, speaker, itemID, previousItemID string) {
	s := st.GetSession(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	st.recordOrderLocked(s, itemID, previousItemID)
}

// recordOrderLocked inserts itemID into transcriptOrder. Caller holds s.mu.
func (st *Store) recordOrderLocked(s *Session, itemID, previousItemID string) int {
	for i, id := range s.transcriptOrder {
		if id == itemID {
			return i
		}
	}

	if previousItemID != "" {
		for i, id := range s.transcriptOrder {
			if id == previousItemID {
				s.transcriptOrder = append(s.transcriptOrder, "")
				copy(s.transcriptOrder[i+2:], s.transcriptOrder[i+1:])
				s.transcriptOrder[i+1] = itemID
				return i + 1
			}
		}
	}

	s.transcriptOrder = append(s.transcriptOrder, itemID)
	return len(s.transcriptOrder) - 1
}

func (s *Session) orderOf(itemID string) int {
	for i, id := range s.transcriptOrder {
		if id == itemID {
			return i
		}
	}
	return -1
}

// AppendTranscriptDelta upserts a transcript item, concatenates textDelta
// onto its accumulated text, and emits a transcript.delta event carrying the
// item's current display order. IsFinal is left as it is: false for an item
// that has not yet received its final, true once it has.
func (st *Store) AppendTranscriptDelta(sessionID string, speaker Speaker, itemID, textDelta, previousItemID string) {
	s := st.GetSession(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}

	order := st.recordOrderLocked(s, itemID, previousItemID)

	key := itemKey(speaker, itemID)
	item, ok := s.transcriptItems[key]
	if !ok {
		item = &TranscriptItem{ItemID: itemID, Speaker: speaker}
		s.transcriptItems[key] = item
	}
	item.Text += textDelta
	item.Order = order
	item.Timestamp = time.Now()
	item.Seq = s.seq + 1

	st.appendLocked(s, Event{
		Type:      EventTranscriptDelta,
		ItemID:    itemID,
		Speaker:   speaker,
		TextDelta: textDelta,
		Order:     order,
	})
}

// AppendTranscriptFinal upserts a transcript item, replaces its text with
// fullText, and sets IsFinal true (which never reverts to false for this
// item — see spec invariant).
func (st *Store) AppendTranscriptFinal(sessionID string, speaker Speaker, itemID, fullText, previousItemID string) {
	s := st.GetSession(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}

	order := st.recordOrderLocked(s, itemID, previousItemID)

	key := itemKey(speaker, itemID)
	item, ok := s.transcriptItems[key]
	if !ok {
		item = &TranscriptItem{ItemID: itemID, Speaker: speaker}
		s.transcriptItems[key] = item
	}
	item.Text = fullText
	item.IsFinal = true
	item.Order = order
	item.Timestamp = time.Now()
	item.Seq = s.seq + 1

	st.appendLocked(s, Event{
		Type:     EventTranscriptFinal,
		ItemID:   itemID,
		Speaker:  speaker,
		FullText: fullText,
		Order:    order,
	})
}

// AppendAudioLevel clamps level to [0,1] and emits an audio.level event.
func (st *Store) AppendAudioLevel(sessionID string, speaker Speaker, level float64) {
	s := st.GetSession(sessionID)
	if s == nil {
		return
	}
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	st.appendLocked(s, Event{Type: EventAudioLevel, Speaker: speaker, Level: level})
}

// ListEventsSince returns the events in sessionID's log with Seq > sinceSeq,
// in ascending order. Returns nil if the session is unknown.
func (st *Store) ListEventsSince(sessionID string, sinceSeq uint64) []Event {
	s := st.GetSession(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers sink as a viewer of sessionID and returns a fresh
// subscriber id. The catch-up window (events with Seq > sinceSeq) is
// captured and returned atomically with subscriber registration — this is
// what makes the catch-up-then-live handoff gap-free and duplicate-free:
// no event appended after this call is missed, and nothing in the returned
// slice is delivered twice.
//
// Returns ("", nil, false) when the session is unknown.
func (st *Store) Subscribe(sessionID string, sinceSeq uint64, sink Sink) (string, []Event, bool) {
	s := st.GetSession(sessionID)
	if s == nil {
		return "", nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	catchUp := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Seq > sinceSeq {
			catchUp = append(catchUp, ev)
		}
	}

	id := uuid.New().String()
	s.subscribers[id] = &subscriber{id: id, sink: sink}

	return id, catchUp, true
}

// Unsubscribe removes a subscriber from the session's viewer set. Safe to
// call after the session has already drained (no-op on unknown session or
// subscriber).
func (st *Store) Unsubscribe(sessionID, subscriberID string) {
	s := st.GetSession(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, subscriberID)
	s.mu.Unlock()
}

// IsTerminal reports whether the session has reached a terminal status.
func (st *Store) IsTerminal(sessionID string) bool {
	s := st.GetSession(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.IsTerminal()
}

// GetSummary returns a read-only snapshot of sessionID: status, times,
// last seq, and transcript items sorted by (Order, Seq). Returns nil if
// the session is unknown.
func (st *Store) GetSummary(sessionID string) *Summary {
	s := st.GetSession(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]TranscriptItemView, 0, len(s.transcriptItems))
	for _, item := range s.transcriptItems {
		items = append(items, TranscriptItemView{
			ItemID:  item.ItemID,
			Speaker: item.Speaker,
			Text:    item.Text,
			IsFinal: item.IsFinal,
			Order:   item.Order,
		})
	}
	sortTranscriptItems(items, s)

	return &Summary{
		SessionID:       s.id,
		CarrierCallID:   s.carrierCallID,
		Status:          s.status,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		TerminalReason:  s.terminalReason,
		LastSeq:         s.seq,
		TranscriptItems: items,
	}
}

// sortTranscriptItems sorts in place by (Order, Seq) using the session's
// transcriptItems map for the Seq comparison key (TranscriptItemView itself
// carries no Seq, so we resolve it via the map during the sort).
func sortTranscriptItems(items []TranscriptItemView, s *Session) {
	seqOf := func(v TranscriptItemView) uint64 {
		return s.transcriptItems[itemKey(v.Speaker, v.ItemID)].Seq
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			less := a.Order < b.Order || (a.Order == b.Order && seqOf(a) <= seqOf(b))
			if less {
				break
			}
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}
