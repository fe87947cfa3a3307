package osmbridge

import (
	"testing"
	"time"
)

func TestChangeFeedFanOut(t *testing.T) {
	feed := NewChangeFeed(4)
	a, cancelA := feed.Subscribe()
	b, cancelB := feed.Subscribe()
	defer cancelA()
	defer cancelB()

	feed.Publish(EntityChange{Op: ChangeMerged, Kind: KindPoint, ID: 1, Version: 2})

	for name, ch := range map[string]<-chan EntityChange{"a": a, "b": b} {
		select {
		case change := <-ch:
			if change.Op != ChangeMerged || change.ID != 1 {
				t.Fatalf("subscriber %s saw unexpected change: %+v", name, change)
			}
			if change.At.IsZero() {
				t.Fatalf("subscriber %s saw change without timestamp", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestChangeFeedSlowSubscriberDrops(t *testing.T) {
	feed := NewChangeFeed(2)
	ch, cancel := feed.Subscribe()
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		feed.Publish(EntityChange{Op: ChangeMerged, Kind: KindPoint, ID: i})
	}
	// Only the buffered changes survive; publishing never blocked.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != 2 {
				t.Fatalf("expected 2 buffered changes, got %d", received)
			}
			return
		}
	}
}

func TestChangeFeedCancelClosesChannel(t *testing.T) {
	feed := NewChangeFeed(0)
	ch, cancel := feed.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	feed.Publish(EntityChange{Op: ChangeStubbed, Kind: KindPoint, ID: 9})
}
