package chatclient

import (
	"errors"
	"sync"
	"time"

	"community_chat/internal/chat/domain"

	"github.com/google/uuid"
)

// EntryState rendering state of one timeline entry
type EntryState string

const (
	// StatePending optimistic echo waiting for the server copy
	StatePending EntryState = "pending"
	// StateConfirmed server-confirmed message
	StateConfirmed EntryState = "confirmed"
	// StateFailed rejected or timed out echo, kept with an error affordance
	StateFailed EntryState = "failed"
)

// ApplyResult what Apply did with an incoming message
type ApplyResult int

const (
	// Appended new entry at the end
	Appended ApplyResult = iota
	// Reconciled replaced a pending echo in place
	Reconciled
	// Duplicate already present, ignored
	Duplicate
)

// ErrAckTimeout an echo waited longer than the ack timeout
var ErrAckTimeout = errors.New("no confirmation from server")

const tempIDPrefix = "tmp-"

// Entry one rendered row
type Entry struct {
	Message     domain.Message
	State       EntryState
	Err         error
	SubmittedAt time.Time
}

// Timeline ordered message list of one channel with an optimistic echo index keyed by client id.
// Failed echoes stay indexed until confirmed or discarded, so a late confirmation still lands in place.
type Timeline struct {
	selfID     string
	tolerance  time.Duration
	ackTimeout time.Duration

	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	echoes  map[string]*Entry
}

// NewTimeline create Timeline for selfID.
// tolerance bounds the body+time fallback match; ackTimeout fails echoes left pending.
func NewTimeline(selfID string, tolerance, ackTimeout time.Duration) *Timeline {
	return &Timeline{
		selfID:     selfID,
		tolerance:  tolerance,
		ackTimeout: ackTimeout,
		byID:       map[string]*Entry{},
		echoes:     map[string]*Entry{},
	}
}

// Submit render an optimistic echo at the end and return it; its ClientID goes on the wire
func (t *Timeline) Submit(channelID, body string, now time.Time) Entry {
	clientID := uuid.NewString()
	e := &Entry{
		Message: domain.Message{
			ID:        tempIDPrefix + clientID,
			ChannelID: channelID,
			AuthorID:  t.selfID,
			Body:      body,
			Kind:      domain.MessageText,
			CreatedAt: now.UnixMilli(),
			ClientID:  clientID,
		},
		State:       StatePending,
		SubmittedAt: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	t.byID[e.Message.ID] = e
	t.echoes[clientID] = e
	return *e
}

// Apply merge one server-confirmed message.
// Order: client id match, then duplicate id, then same author+body within tolerance, then append.
func (t *Timeline) Apply(msg domain.Message) ApplyResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(msg)
}

func (t *Timeline) applyLocked(msg domain.Message) ApplyResult {
	if echo := t.echoLocked(msg.ClientID); echo != nil {
		return t.reconcileLocked(echo, msg)
	}
	if _, ok := t.byID[msg.ID]; ok {
		return Duplicate
	}
	if echo := t.matchHeuristicLocked(msg); echo != nil {
		return t.reconcileLocked(echo, msg)
	}

	e := &Entry{Message: msg, State: StateConfirmed}
	t.entries = append(t.entries, e)
	t.byID[msg.ID] = e
	return Appended
}

func (t *Timeline) echoLocked(clientID string) *Entry {
	if clientID == "" {
		return nil
	}
	return t.echoes[clientID]
}

// reconcileLocked replace echo in place; if the confirmed copy is already listed, the echo is dropped instead
func (t *Timeline) reconcileLocked(echo *Entry, msg domain.Message) ApplyResult {
	delete(t.echoes, echo.Message.ClientID)
	delete(t.byID, echo.Message.ID)
	if _, ok := t.byID[msg.ID]; ok {
		t.removeLocked(echo)
		return Duplicate
	}
	echo.Message = msg
	echo.State = StateConfirmed
	echo.Err = nil
	t.byID[msg.ID] = echo
	return Reconciled
}

// matchHeuristicLocked oldest pending or failed echo with the same author and body inside tolerance.
// A message carrying another client id (the same user on another device) never matches.
func (t *Timeline) matchHeuristicLocked(msg domain.Message) *Entry {
	if msg.AuthorID != t.selfID {
		return nil
	}
	for _, e := range t.entries {
		if e.State == StateConfirmed || e.Message.Body != msg.Body {
			continue
		}
		if msg.ClientID != "" && msg.ClientID != e.Message.ClientID {
			continue
		}
		d := time.UnixMilli(msg.CreatedAt).Sub(e.SubmittedAt)
		if d < 0 {
			d = -d
		}
		if d <= t.tolerance {
			return e
		}
	}
	return nil
}

func (t *Timeline) removeLocked(target *Entry) {
	for i, e := range t.entries {
		if e == target {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Fail flag the echo of clientID as failed; false when it is not pending
func (t *Timeline) Fail(clientID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.echoes[clientID]
	if !ok || e.State != StatePending {
		return false
	}
	e.State = StateFailed
	e.Err = err
	return true
}

// Discard remove a failed echo from the list (user dismissed it)
func (t *Timeline) Discard(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.echoes[clientID]
	if !ok || e.State != StateFailed {
		return false
	}
	delete(t.echoes, clientID)
	delete(t.byID, e.Message.ID)
	t.removeLocked(e)
	return true
}

// Expire fail every echo pending longer than the ack timeout; returns their client ids
func (t *Timeline) Expire(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, e := range t.echoes {
		if e.State == StatePending && now.Sub(e.SubmittedAt) >= t.ackTimeout {
			e.State = StateFailed
			e.Err = ErrAckTimeout
			out = append(out, id)
		}
	}
	return out
}

// Merge fold a refetched history page in; known ids are refreshed, pending echoes reconciled,
// the rest inserted by created_at among confirmed entries. Returns how many rows were added.
func (t *Timeline) Merge(history []domain.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, msg := range history {
		if echo := t.echoLocked(msg.ClientID); echo != nil {
			if t.reconcileLocked(echo, msg) == Duplicate {
				t.byID[msg.ID].Message = msg
			}
			continue
		}
		if e, ok := t.byID[msg.ID]; ok {
			e.Message = msg
			continue
		}
		if echo := t.matchHeuristicLocked(msg); echo != nil {
			t.reconcileLocked(echo, msg)
			continue
		}
		t.insertLocked(&Entry{Message: msg, State: StateConfirmed})
		added++
	}
	return added
}

func (t *Timeline) insertLocked(e *Entry) {
	at := len(t.entries)
	for i, cur := range t.entries {
		// echoes not yet confirmed stay at the bottom
		if cur.State != StateConfirmed || cur.Message.CreatedAt > e.Message.CreatedAt {
			at = i
			break
		}
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[at+1:], t.entries[at:])
	t.entries[at] = e
	t.byID[e.Message.ID] = e
}

// Update replace a known message (edit, delete, pin); false when not listed
func (t *Timeline) Update(msg domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[msg.ID]
	if !ok {
		return false
	}
	e.Message = msg
	return true
}

// SetReactions replace the reaction map of a known message
func (t *Timeline) SetReactions(messageID string, reactions map[string][]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[messageID]
	if !ok {
		return false
	}
	e.Message.Reactions = reactions
	return true
}

// Entries snapshot in display order
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Pending number of echoes still waiting for confirmation
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.echoes {
		if e.State == StatePending {
			n++
		}
	}
	return n
}
