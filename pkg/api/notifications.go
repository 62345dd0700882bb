package api

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// Notification is an app notification as served by /api/v1/notifications
type Notification struct {
	Seq   uint64            `json:"seq"`
	Owned identity.Identity `json:"owned"`
	Name  string            `json:"name"`
	// Values holds strings as text and anything else as base64 of its encoding
	Values []string  `json:"values"`
	At     time.Time `json:"at"`
}

// NotificationLog keeps the most recent app notifications
type NotificationLog struct {
	mu      sync.RWMutex
	entries []Notification
	size    int
	seq     uint64
}

func NewNotificationLog(size int) *NotificationLog {
	if size <= 0 {
		size = 1
	}
	return &NotificationLog{size: size}
}

// Record appends a notification, evicting the oldest when the log is full.
// It has the signature of transport.Notifier.
func (l *NotificationLog) Record(owned identity.Identity, name string, values []encoding.Encoded) {
	rendered := make([]string, len(values))
	for i, v := range values {
		if s, err := v.DecodeString(); err == nil {
			rendered[i] = s
			continue
		}
		rendered[i] = base64.StdEncoding.EncodeToString(v.Bytes())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.entries = append(l.entries, Notification{Seq: l.seq, Owned: owned, Name: name, Values: rendered, At: time.Now()})
	if len(l.entries) > l.size {
		l.entries = l.entries[len(l.entries)-l.size:]
	}
}

// Since returns notifications with a sequence number above seq, optionally
// restricted to one owned identity
func (l *NotificationLog) Since(seq uint64, owned identity.Identity) []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Notification{}
	for _, n := range l.entries {
		if n.Seq <= seq {
			continue
		}
		if !owned.IsZero() && n.Owned != owned {
			continue
		}
		out = append(out, n)
	}
	return out
}
