package uroflow

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DefaultNoticeTTL is how long a notice stays visible.
const DefaultNoticeTTL = 8 * time.Second

// NoticeLevel grades a notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient message for the doctor. Notices expire on their own.
type Notice struct {
	ID        string      `json:"id"`
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Notices holds the unexpired notices of one workspace.
type Notices struct {
	items *cache.Cache
	ttl   time.Duration
}

// NewNotices creates a notice list whose entries expire after ttl.
func NewNotices(ttl time.Duration) *Notices {
	if ttl <= 0 {
		ttl = DefaultNoticeTTL
	}
	// No janitor: expired entries are filtered on read and swept on Add.
	return &Notices{items: cache.New(ttl, 0), ttl: ttl}
}

// Add records a notice and returns it.
func (n *Notices) Add(level NoticeLevel, message string) Notice {
	n.items.DeleteExpired()
	now := time.Now()
	notice := Notice{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(n.ttl),
	}
	n.items.Set(notice.ID, notice, n.ttl)
	return notice
}

// List returns the unexpired notices, oldest first.
func (n *Notices) List() []Notice {
	items := n.items.Items()
	out := make([]Notice, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Notice))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Dismiss removes a notice before it expires.
func (n *Notices) Dismiss(id string) {
	n.items.Delete(id)
}
