// Package notification fans sync progress out to live subscribers.
package notification

import (
	"sync"

	"github.com/jyothri/mailmirror/mirror"
)

// NOTIFICATION_ALL subscribes to progress of every account.
const NOTIFICATION_ALL string = "all"

const subscriberBuffer = 16

type Progress struct {
	ClientKey      string `json:"client_key"`
	RunID          string `json:"run_id"`
	Phase          string `json:"phase"`
	Container      string `json:"container,omitempty"`
	ContainerIndex int    `json:"container_index"`
	ContainerCount int    `json:"container_count"`
	ProcessedCount int    `json:"processed_count"`
	Synced         int    `json:"synced"`
	Skipped        int    `json:"skipped"`
	Moved          int    `json:"moved"`
	Quarantined    int    `json:"quarantined"`
	Errors         int    `json:"errors"`
	ElapsedInSec   int    `json:"elapsed_in_sec"`
	Done           bool   `json:"done"`
}

// Hub delivers progress to subscribers of one client key and to those of
// NOTIFICATION_ALL. Slow subscribers miss updates instead of blocking the
// publisher.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan Progress]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan Progress]struct{})}
}

// Subscribe returns a channel of updates for clientKey and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe(clientKey string) (<-chan Progress, func()) {
	ch := make(chan Progress, subscriberBuffer)
	h.mu.Lock()
	if h.subscribers[clientKey] == nil {
		h.subscribers[clientKey] = make(map[chan Progress]struct{})
	}
	h.subscribers[clientKey][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subscribers[clientKey], ch)
			if len(h.subscribers[clientKey]) == 0 {
				delete(h.subscribers, clientKey)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(p Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	push(h.subscribers[p.ClientKey], p)
	if p.ClientKey != NOTIFICATION_ALL {
		push(h.subscribers[NOTIFICATION_ALL], p)
	}
}

func push(subscribers map[chan Progress]struct{}, p Progress) {
	for ch := range subscribers {
		select {
		case ch <- p:
		default:
		}
	}
}

// Publisher adapts the hub to a sync engine progress callback.
func (h *Hub) Publisher(clientKey string) func(mirror.Progress) {
	return func(p mirror.Progress) {
		h.Publish(FromEngine(clientKey, p))
	}
}

func FromEngine(clientKey string, p mirror.Progress) Progress {
	c := p.Counts
	return Progress{
		ClientKey:      clientKey,
		RunID:          p.RunID,
		Phase:          p.Phase,
		Container:      p.Container,
		ContainerIndex: p.ContainerIndex,
		ContainerCount: p.ContainerCount,
		ProcessedCount: c.Synced + c.Skipped + c.Moved + c.Quarantined + c.Errors,
		Synced:         c.Synced,
		Skipped:        c.Skipped,
		Moved:          c.Moved,
		Quarantined:    c.Quarantined,
		Errors:         c.Errors,
		ElapsedInSec:   int(p.Elapsed.Seconds()),
		Done:           p.Phase == mirror.PhaseFinished,
	}
}
