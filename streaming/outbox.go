package streaming

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingPub is one published envelope still waiting for its PubAck.
type PendingPub struct {
	GUID          string
	Subject       string
	Sequence      uint64
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	AckDeadlineAt time.Time
	LastError     string

	payload []byte
	done    chan error
}

// outbox stores pending publishes by guid. A resend keeps the guid, so the
// server can discard duplicates.
type outbox struct {
	mu    sync.RWMutex
	items map[string]*PendingPub
}

func newOutbox() *outbox {
	return &outbox{items: make(map[string]*PendingPub)}
}

func (o *outbox) upsert(item *PendingPub) {
	key := strings.TrimSpace(item.GUID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *outbox) markAttempt(guid string, at time.Time, wait time.Duration, lastErr string) (PendingPub, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[guid]
	if !ok {
		return PendingPub{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.AckDeadlineAt = at.Add(wait)
	item.LastError = strings.TrimSpace(lastErr)
	return *item, true
}

// take removes and returns guid's entry; only one caller ever wins it.
func (o *outbox) take(guid string) (*PendingPub, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[guid]
	if ok {
		delete(o.items, guid)
	}
	return item, ok
}

// list returns copies ordered by client sequence.
func (o *outbox) list() []PendingPub {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingPub, 0, len(o.items))
	for _, item := range o.items {
		cp := *item
		cp.payload = nil
		cp.done = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// drain removes every entry, for failing them all on close.
func (o *outbox) drain() []*PendingPub {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*PendingPub, 0, len(o.items))
	for guid, item := range o.items {
		out = append(out, item)
		delete(o.items, guid)
	}
	return out
}
