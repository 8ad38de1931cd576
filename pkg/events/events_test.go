package events

import (
	"testing"
	"time"
)

func recvTimeout(t *testing.T, sub *Subscription) *Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBusDeliversToMatchingTopic(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("", TopicMetrics)
	defer bus.Unsubscribe(sub)

	bus.Publish(&Message{Topic: TopicMetrics, ClusterID: "c1", OwnerID: "u1", Payload: 1})

	msg := recvTimeout(t, sub)
	if msg.ClusterID != "c1" || msg.Topic != TopicMetrics {
		t.Errorf("got %+v, want c1 on %s", msg, TopicMetrics)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not stamped on publish")
	}
}

func TestBusTopicFiltering(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	statsOnly := bus.Subscribe("", TopicStats)
	defer bus.Unsubscribe(statsOnly)

	bus.Publish(&Message{Topic: TopicMetrics, ClusterID: "c1", OwnerID: "u1"})
	bus.Publish(&Message{Topic: TopicStats, ClusterID: "c1", OwnerID: "u1", Payload: "stats"})

	msg := recvTimeout(t, statsOnly)
	if msg.Topic != TopicStats {
		t.Errorf("stats-only subscription received %s", msg.Topic)
	}
}

func TestBusOwnerFiltering(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	owner := bus.Subscribe("u1", TopicMetrics)
	defer bus.Unsubscribe(owner)
	admin := bus.Subscribe("", TopicMetrics)
	defer bus.Unsubscribe(admin)

	bus.Publish(&Message{Topic: TopicMetrics, ClusterID: "other", OwnerID: "u2"})
	bus.Publish(&Message{Topic: TopicMetrics, ClusterID: "mine", OwnerID: "u1"})

	if msg := recvTimeout(t, owner); msg.ClusterID != "mine" {
		t.Errorf("owner-scoped subscription received %q, want mine", msg.ClusterID)
	}

	// Admin sees both, in publish order.
	if msg := recvTimeout(t, admin); msg.ClusterID != "other" {
		t.Errorf("admin first message = %q, want other", msg.ClusterID)
	}
	if msg := recvTimeout(t, admin); msg.ClusterID != "mine" {
		t.Errorf("admin second message = %q, want mine", msg.ClusterID)
	}
}

func TestBusCoalescesPerCluster(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("", TopicMetrics)
	defer bus.Unsubscribe(sub)

	// The consumer is not reading yet: queue several updates for the
	// same cluster plus one for another cluster. The pump may claim the
	// first c1 message before the rest coalesce, so up to two c1
	// deliveries are possible; five are not.
	for i := 1; i <= 5; i++ {
		sub.offer(&Message{Topic: TopicMetrics, ClusterID: "c1", Payload: i})
	}
	sub.offer(&Message{Topic: TopicMetrics, ClusterID: "c2", Payload: "once"})

	perCluster := map[string]int{}
	var lastC1 any
	for done := false; !done; {
		select {
		case msg := <-sub.C():
			perCluster[msg.ClusterID]++
			if msg.ClusterID == "c1" {
				lastC1 = msg.Payload
			}
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}

	if perCluster["c1"] > 2 {
		t.Errorf("c1 delivered %d times, coalescing should cap it at 2", perCluster["c1"])
	}
	if lastC1 != 5 {
		t.Errorf("last c1 payload = %v, want 5 (newest wins)", lastC1)
	}
	if perCluster["c2"] != 1 {
		t.Errorf("c2 delivered %d times, want 1", perCluster["c2"])
	}
}

func TestBusCoalescingKeepsNewest(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("", TopicMetrics)
	defer bus.Unsubscribe(sub)

	sub.offer(&Message{Topic: TopicMetrics, ClusterID: "c1", Payload: "stale"})
	sub.offer(&Message{Topic: TopicMetrics, ClusterID: "c1", Payload: "fresh"})

	// Draining may race the first offer; accept either one or two
	// deliveries but the last observed payload must be the fresh one.
	msg := recvTimeout(t, sub)
	if msg.Payload == "stale" {
		msg = recvTimeout(t, sub)
	}
	if msg.Payload != "fresh" {
		t.Errorf("payload = %v, want fresh", msg.Payload)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe("", TopicMetrics)
	if n := bus.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}

	bus.Unsubscribe(sub)
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count after unsubscribe = %d, want 0", n)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("received message after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after unsubscribe")
	}

	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := NewBus()
	bus.Start()

	sub := bus.Subscribe("", TopicMetrics)
	defer bus.Unsubscribe(sub)

	bus.Stop()
	// Must not block or panic.
	bus.Publish(&Message{Topic: TopicMetrics, ClusterID: "c1"})
}
