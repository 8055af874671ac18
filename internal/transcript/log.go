// Package transcript holds the visible conversation. User messages are added
// optimistically before payment and carry the inverse that removes them again
// if the payment is declined.
package transcript

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/verigate/internal/domain"
)

// Role is the author of an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EntryStatus tracks an optimistic entry through its attempt.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCommitted EntryStatus = "committed"
	StatusFailed    EntryStatus = "failed"
)

// Entry is one message in the transcript.
type Entry struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Status    EntryStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	ModelID   string      `json:"model_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`

	Metadata     domain.MessageMetadata    `json:"metadata"`
	Verification domain.VerificationStatus `json:"verification,omitempty"`
}

// Log is an ordered transcript. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewLog creates an empty transcript.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Pending is an optimistic entry awaiting the outcome of its attempt.
type Pending struct {
	log     *Log
	id      string
	inverse func()
	done    bool
}

// ID returns the entry id.
func (p *Pending) ID() string {
	return p.id
}

// Append adds an optimistic user message.
func (l *Log) Append(role Role, content string) *Pending {
	id := uuid.NewString()
	l.mu.Lock()
	l.entries = append(l.entries, Entry{
		ID:        id,
		Role:      role,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: l.now().UTC(),
	})
	l.mu.Unlock()

	return &Pending{
		log:     l,
		id:      id,
		inverse: func() { l.remove(id) },
	}
}

// Commit makes the entry permanent.
func (p *Pending) Commit() {
	if p.done {
		return
	}
	p.done = true
	p.log.update(p.id, func(e *Entry) {
		e.Status = StatusCommitted
		e.Error = ""
	})
}

// Rollback applies the inverse: the entry disappears as if never appended.
func (p *Pending) Rollback() {
	if p.done {
		return
	}
	p.done = true
	p.inverse()
}

// MarkFailed keeps the entry visible with the error. The entry stays pending
// so a retry can still commit or roll it back.
func (p *Pending) MarkFailed(err error) {
	if p.done {
		return
	}
	p.log.update(p.id, func(e *Entry) {
		e.Status = StatusFailed
		if err != nil {
			e.Error = err.Error()
		}
	})
}

// Add appends a committed entry and returns its id.
func (l *Log) Add(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	e.Status = StatusCommitted

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return e.ID
}

// SetVerification records the verification status of an entry.
func (l *Log) SetVerification(id string, status domain.VerificationStatus) bool {
	return l.update(id, func(e *Entry) {
		e.Verification = status
	})
}

// Get returns the entry with id.
func (l *Log) Get(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns a snapshot of the transcript.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Replace swaps the whole transcript, for example after loading a session.
func (l *Log) Replace(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.Clone(entries)
}

// Reset empties the transcript.
func (l *Log) Reset() {
	l.Replace(nil)
}

func (l *Log) update(id string, fn func(*Entry)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			fn(&l.entries[i])
			return true
		}
	}
	return false
}

func (l *Log) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.DeleteFunc(l.entries, func(e Entry) bool {
		return e.ID == id
	})
}
