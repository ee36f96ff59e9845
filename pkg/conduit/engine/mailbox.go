package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// announcementExcerptMax caps the result excerpt carried by an announcement.
const announcementExcerptMax = 500

// Announcement is a "child session finished" notice queued for the parent
// conversation and injected into its next turn.
type Announcement struct {
	RunID         string
	Label         string
	Status        SessionStatus
	ResultSummary string
	Elapsed       time.Duration
}

// Format renders the announcement as the context line the parent model sees.
func (a Announcement) Format() string {
	return fmt.Sprintf("[subagent %s (%s) finished: %s after %s]\n%s",
		a.RunID, a.Label, a.Status, a.Elapsed.Round(time.Second), a.ResultSummary)
}

// Mailbox queues announcements per parent session key. Delivery is
// at-most-once: Drain returns the pending notices and clears them, and
// nothing is persisted.
type Mailbox struct {
	mu      sync.Mutex
	pending map[string][]Announcement
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{pending: make(map[string][]Announcement)}
}

// Queue appends an announcement for the given parent.
func (m *Mailbox) Queue(parentKey string, ann Announcement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[parentKey] = append(m.pending[parentKey], ann)
}

// Drain returns and clears the parent's pending announcements.
func (m *Mailbox) Drain(parentKey string) []Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending[parentKey]
	delete(m.pending, parentKey)
	return out
}

// Pending reports how many announcements are queued for the parent without
// consuming them.
func (m *Mailbox) Pending(parentKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[parentKey])
}

// FormatAnnouncements renders drained announcements as one context block, or
// "" when there are none.
func FormatAnnouncements(anns []Announcement) string {
	if len(anns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(anns))
	for _, a := range anns {
		lines = append(lines, a.Format())
	}
	return strings.Join(lines, "\n\n")
}
