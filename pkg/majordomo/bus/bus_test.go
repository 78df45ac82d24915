package bus

import (
	"fmt"
	"testing"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
)

func TestPublishConsume(t *testing.T) {
	b := New(10, nil)
	b.PublishInbound(&channels.Message{ID: "m1"})

	select {
	case msg := <-b.Inbound():
		if msg.ID != "m1" {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Fatal("expected a queued message")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		b.PublishInbound(&channels.Message{ID: fmt.Sprintf("m%d", i)})
	}

	if b.InboundDropped() != 2 {
		t.Errorf("expected 2 drops, got %d", b.InboundDropped())
	}
	// The survivors are the newest three, in order.
	want := []string{"m2", "m3", "m4"}
	for _, w := range want {
		msg := <-b.Inbound()
		if msg.ID != w {
			t.Errorf("got %s, want %s", msg.ID, w)
		}
	}
}
