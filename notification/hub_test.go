package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/mirror"
)

func TestPublishReachesKeyAndAllSubscribers(t *testing.T) {
	h := NewHub()
	mine, unsubMine := h.Subscribe("acct1")
	defer unsubMine()
	all, unsubAll := h.Subscribe(NOTIFICATION_ALL)
	defer unsubAll()
	other, unsubOther := h.Subscribe("acct2")
	defer unsubOther()

	h.Publish(Progress{ClientKey: "acct1", Synced: 3})

	require.Len(t, mine, 1)
	assert.Equal(t, 3, (<-mine).Synced)
	require.Len(t, all, 1)
	assert.Equal(t, "acct1", (<-all).ClientKey)
	assert.Empty(t, other)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("acct1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(Progress{ClientKey: "acct1", Synced: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("acct1")
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(Progress{ClientKey: "acct1"})
}

func TestPublisherConvertsEngineProgress(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("acct1")
	defer unsub()

	h.Publisher("acct1")(mirror.Progress{
		RunID:          "run-1",
		Phase:          mirror.PhaseFinished,
		Container:      "Inbox",
		ContainerIndex: 1,
		ContainerCount: 2,
		Counts:         db.RunCounts{Synced: 2, Skipped: 1, Errors: 1},
		Elapsed:        3 * time.Second,
	})

	got := <-ch
	assert.Equal(t, Progress{
		ClientKey:      "acct1",
		RunID:          "run-1",
		Phase:          mirror.PhaseFinished,
		Container:      "Inbox",
		ContainerIndex: 1,
		ContainerCount: 2,
		ProcessedCount: 4,
		Synced:         2,
		Skipped:        1,
		Errors:         1,
		ElapsedInSec:   3,
		Done:           true,
	}, got)
}
