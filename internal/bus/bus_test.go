package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.", Block)
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunStarted, RunStartedEvent{Run: RunRef{RunID: "r1"}})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicRunStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicRunStarted)
		}
		payload, ok := event.Payload.(RunStartedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want RunStartedEvent", event.Payload)
		}
		if payload.Run.RunID != "r1" {
			t.Fatalf("run id = %q, want r1", payload.Run.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	runSub := b.Subscribe("run.", Block)
	defer b.Unsubscribe(runSub)

	allSub := b.Subscribe("", Block)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicRunSucceeded, nil)
	b.Publish(TopicCaseTierChanged, nil)

	select {
	case event := <-runSub.Ch():
		if event.Topic != TopicRunSucceeded {
			t.Fatalf("topic = %q, want run.succeeded", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run event")
	}

	// runSub must not see the case event.
	select {
	case event := <-runSub.Ch():
		t.Fatalf("unexpected event on runSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all-topics event")
		}
	}
}

func TestBus_DropOldestCountsLosses(t *testing.T) {
	b := New(WithQueueSize(2))
	sub := b.Subscribe("", DropOldest)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(TopicRunStarted, i)
	}

	if got := sub.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}

	// The two newest events survive.
	first := <-sub.Ch()
	second := <-sub.Ch()
	if first.Payload.(int) != 3 || second.Payload.(int) != 4 {
		t.Fatalf("surviving payloads = %v, %v; want 3, 4", first.Payload, second.Payload)
	}
}

func TestBus_BlockWaitsForConsumer(t *testing.T) {
	b := New(WithQueueSize(1))
	sub := b.Subscribe("", Block)
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunStarted, 0)

	published := make(chan struct{})
	go func() {
		b.Publish(TopicRunStarted, 1)
		close(published)
	}()

	// The second publish must not complete while the queue is full.
	select {
	case <-published:
		t.Fatal("publish returned before consumer drained the queue")
	case <-time.After(50 * time.Millisecond):
	}

	<-sub.Ch()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after drain")
	}
	if got := sub.Dropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0 for Block policy", got)
	}
}

func TestBus_OrderPreservedPerPublisher(t *testing.T) {
	b := New(WithQueueSize(64))
	sub := b.Subscribe("run.", Block)
	defer b.Unsubscribe(sub)

	for i := 0; i < 20; i++ {
		b.Publish(TopicRunStarted, i)
	}
	for i := 0; i < 20; i++ {
		event := <-sub.Ch()
		if event.Payload.(int) != i {
			t.Fatalf("event %d out of order: got %v", i, event.Payload)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("", Block)
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_UnsubscribeWhilePublisherBlocked(t *testing.T) {
	b := New(WithQueueSize(1))
	sub := b.Subscribe("", Block)

	b.Publish(TopicRunStarted, 0)

	published := make(chan struct{})
	go func() {
		b.Publish(TopicRunStarted, 1)
		close(published)
	}()

	// Wait until the publisher is blocked on the full queue.
	time.Sleep(50 * time.Millisecond)

	unsubscribed := make(chan struct{})
	go func() {
		b.Unsubscribe(sub)
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe stuck behind a blocked publisher")
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(WithQueueSize(1024))
	sub := b.Subscribe("", Block)
	defer b.Unsubscribe(sub)

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(TopicRunStarted, i)
			}
		}()
	}
	wg.Wait()

	received := 0
	for received < publishers*perPublisher {
		select {
		case <-sub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatalf("received %d events, want %d", received, publishers*perPublisher)
		}
	}
}

func TestDedupKey(t *testing.T) {
	ref := RunRef{PipelineID: "orders_daily", PartitionKey: "2026-08-30/eu"}
	if got := ref.DedupKey(); got != "orders_daily/2026-08-30/eu" {
		t.Fatalf("dedup key = %q", got)
	}
}
