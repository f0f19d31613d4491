package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/pkg/rabbitmq"
)

type recordingPublisher struct {
	mu        sync.Mutex
	failNext  int
	published []string
	bodies    []json.RawMessage
	closed    int
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("channel closed")
	}
	p.published = append(p.published, exchange+"/"+routingKey)
	if raw, ok := body.(json.RawMessage); ok {
		p.bodies = append(p.bodies, raw)
	}
	return nil
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func TestOutboxDispatcherPublishesTransferEvents(t *testing.T) {
	h := newHarness(t, "0")
	if _, err := h.orchestrator.Deposit(context.Background(), h.request("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	publisher := &recordingPublisher{}
	dispatcher := NewOutboxDispatcher(h.repo, func() (rabbitmq.Publisher, error) { return publisher, nil }, 0, discardLogger())

	published, err := dispatcher.flushOnce(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if published != 4 {
		t.Fatalf("expected 4 events, got %d", published)
	}
	if publisher.published[3] != "bridge.events/transfer.completed" {
		t.Fatalf("unexpected last event: %s", publisher.published[3])
	}

	var event domain.TransferEvent
	if err := json.Unmarshal(publisher.bodies[3], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Status != domain.StatusCompleted || event.PreviousState != domain.StatusDestCredited {
		t.Fatalf("unexpected event transition %s -> %s", event.PreviousState, event.Status)
	}

	published, err = dispatcher.flushOnce(context.Background())
	if err != nil || published != 0 {
		t.Fatalf("expected nothing left to publish, got %d (%v)", published, err)
	}
}

func TestOutboxDispatcherReschedulesFailedPublish(t *testing.T) {
	h := newHarness(t, "0")
	h.bank.script("withdraw", rejected("declined"))
	_, _ = h.orchestrator.Deposit(context.Background(), h.request("10"))

	publisher := &recordingPublisher{failNext: 1}
	connects := 0
	dispatcher := NewOutboxDispatcher(h.repo, func() (rabbitmq.Publisher, error) {
		connects++
		return publisher, nil
	}, 0, discardLogger())

	published, err := dispatcher.flushOnce(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if published != 1 {
		t.Fatalf("expected the second event to go out, got %d", published)
	}
	if connects != 2 || publisher.closed != 1 {
		t.Fatalf("expected a reconnect after the failed publish, got %d connects and %d closes", connects, publisher.closed)
	}
	if status := h.repo.OutboxStatus(1); status != "pending" {
		t.Fatalf("failed event should be pending for retry, got %s", status)
	}
	if status := h.repo.OutboxStatus(2); status != "published" {
		t.Fatalf("expected second event published, got %s", status)
	}
}

func TestOutboxDispatcherConnectFailure(t *testing.T) {
	h := newHarness(t, "0")
	h.begin(t, domain.DirectionDeposit, "10", "dep-outbox")

	dispatcher := NewOutboxDispatcher(h.repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("dial tcp: connection refused")
	}, 0, discardLogger())

	published, err := dispatcher.flushOnce(context.Background())
	if err != nil || published != 0 {
		t.Fatalf("expected no events published, got %d (%v)", published, err)
	}
	if status := h.repo.OutboxStatus(1); status != "pending" {
		t.Fatalf("expected event kept pending, got %s", status)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	cases := map[int]int{0: 1, 1: 2, 3: 8, 8: 256, 20: 256}
	for attempt, want := range cases {
		if got := retryDelaySeconds(attempt); got != want {
			t.Errorf("attempt %d: expected %d, got %d", attempt, want, got)
		}
	}
}
