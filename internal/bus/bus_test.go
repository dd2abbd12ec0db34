package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New[int]()
	a := b.Subscribe(1)
	c := b.Subscribe(1)

	b.Publish(42)

	select {
	case v := <-a:
		if v != 42 {
			t.Fatalf("subscriber a got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a received nothing")
	}
	select {
	case v := <-c:
		if v != 42 {
			t.Fatalf("subscriber c got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber c received nothing")
	}
}

func TestPublishDropsOnFullSubscriber(t *testing.T) {
	b := New[int]()
	ch := b.Subscribe(1)

	b.Publish(1)
	b.Publish(2) // channel already full, should drop rather than block

	v := <-ch
	if v != 1 {
		t.Fatalf("got %d, want 1 (first publish retained)", v)
	}
	select {
	case <-ch:
		t.Fatal("expected no second value, dropped publish was delivered")
	default:
	}
}
