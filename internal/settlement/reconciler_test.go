package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "QuorumLaunch/internal/errors"
	"QuorumLaunch/internal/observability/alerting"
	"QuorumLaunch/internal/pricing"
	"QuorumLaunch/internal/quorum"
)

// testCurve 使用单位价格 1 wei、毕业阈值 1000 wei 的曲线。
func testCurve() *pricing.Curve {
	return pricing.New(pricing.Config{
		InitialPrice:        big.NewInt(1),
		PriceIncrement:      big.NewInt(0),
		Unit:                big.NewInt(1),
		GraduationThreshold: big.NewInt(1000),
	})
}

// capturingProducer 记录所有重新排队的信封。
type capturingProducer struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *capturingProducer) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func (p *capturingProducer) snapshot() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.payloads...)
}

// capturingAlerter 记录派发的告警事件。
type capturingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *capturingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func mustEncode(t *testing.T, event Event) []byte {
	t.Helper()
	payload, err := Encode(event)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return payload
}

func quorumEvents(quorumID string, agents []string) []Event {
	events := []Event{{
		ID:            "evt-created-" + quorumID,
		Kind:          KindQuorumCreated,
		QuorumID:      quorumID,
		QuorumCreated: &QuorumCreatedPayload{AgentIDs: agents},
	}}
	for _, agent := range agents {
		events = append(events, Event{
			ID:          "evt-vote-" + quorumID + "-" + agent,
			Kind:        KindQuorumVoted,
			QuorumID:    quorumID,
			TxHash:      "0xvote-" + quorumID + "-" + agent,
			QuorumVoted: &QuorumVotedPayload{AgentID: agent},
		})
	}
	events = append(events, Event{
		ID:       "evt-launch-" + quorumID,
		Kind:     KindTokenLaunched,
		QuorumID: quorumID,
		TokenLaunched: &TokenLaunchedPayload{
			TokenAddress: "0xtoken-" + quorumID,
			TokenName:    "Quorum Token",
			TokenSymbol:  "QRM",
		},
	})
	return events
}

func TestReconcilerInOrderFlow(t *testing.T) {
	ctx := context.Background()
	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	producer := &capturingProducer{}
	r := NewReconciler(machine, store, nil, producer)

	agents := []string{"agent-a", "agent-b", "agent-c"}
	events := quorumEvents("quorum-1", agents)
	events = append(events, Event{
		ID:            "evt-trade-1",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-1",
		TradeExecuted: &TradeExecutedPayload{Side: "buy", EthIn: big.NewInt(400)},
	})
	for _, event := range events {
		if err := r.Handle(ctx, mustEncode(t, event)); err != nil {
			t.Fatalf("Handle %s: %v", event.ID, err)
		}
	}

	c, err := store.GetCollaborationByQuorumID(ctx, "quorum-1")
	if err != nil {
		t.Fatalf("GetCollaborationByQuorumID: %v", err)
	}
	if c.Status != quorum.StatusActive {
		t.Fatalf("status = %s, want active", c.Status)
	}
	if c.TotalRaised.Int64() != 400 {
		t.Fatalf("total raised = %s, want 400", c.TotalRaised)
	}
	if len(producer.snapshot()) != 0 {
		t.Fatal("in-order flow should not requeue")
	}
}

func TestReconcilerDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	r := NewReconciler(machine, store, nil, &capturingProducer{})

	for _, event := range quorumEvents("quorum-1", []string{"agent-a", "agent-b", "agent-c"}) {
		if err := r.Handle(ctx, mustEncode(t, event)); err != nil {
			t.Fatalf("Handle %s: %v", event.ID, err)
		}
	}

	trade := mustEncode(t, Event{
		ID:            "evt-trade-1",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-1",
		TradeExecuted: &TradeExecutedPayload{Side: "buy", EthIn: big.NewInt(100)},
	})
	if err := r.Handle(ctx, trade); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := r.Handle(ctx, trade); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	c, err := store.GetCollaborationByQuorumID(ctx, "quorum-1")
	if err != nil {
		t.Fatalf("GetCollaborationByQuorumID: %v", err)
	}
	if c.TotalRaised.Int64() != 100 {
		t.Fatalf("total raised = %s, want 100 after duplicate delivery", c.TotalRaised)
	}
}

func TestReconcilerConsumesMalformedAndUnknown(t *testing.T) {
	ctx := context.Background()
	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	producer := &capturingProducer{}
	r := NewReconciler(machine, store, nil, producer)

	// 无法解析的字节消化为空操作，事件源可以确认。
	if err := r.Handle(ctx, []byte("not json")); err != nil {
		t.Fatalf("malformed payload: %v", err)
	}
	// 缺少幂等键的信封同样消化。
	if err := r.Handle(ctx, mustEncode(t, Event{Kind: KindQuorumCreated, QuorumID: "q"})); err != nil {
		t.Fatalf("incomplete envelope: %v", err)
	}
	// 未知事件种类记录并跳过，保持向前兼容。
	if err := r.Handle(ctx, mustEncode(t, Event{ID: "evt-x", Kind: Kind("QuorumRenamed"), QuorumID: "q"})); err != nil {
		t.Fatalf("unknown kind: %v", err)
	}
	if len(producer.snapshot()) != 0 {
		t.Fatal("consumed events should not requeue")
	}
}

func TestReconcilerRequeuesOutOfOrderEvent(t *testing.T) {
	ctx := context.Background()
	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	producer := &capturingProducer{}
	r := NewReconciler(machine, store, nil, producer, WithBackoff(time.Millisecond, time.Millisecond))

	// 协作体尚未登记的交易事件：可重试，退避后重新排队。
	trade := Event{
		ID:            "evt-trade-1",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-ghost",
		TradeExecuted: &TradeExecutedPayload{Side: "buy", EthIn: big.NewInt(100)},
	}
	if err := r.Handle(ctx, mustEncode(t, trade)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r.wg.Wait()

	requeued := producer.snapshot()
	if len(requeued) != 1 {
		t.Fatalf("requeued %d envelopes, want 1", len(requeued))
	}
	again, err := Decode(requeued[0])
	if err != nil {
		t.Fatalf("Decode requeued: %v", err)
	}
	if again.ID != trade.ID || again.Attempts != 1 {
		t.Fatalf("requeued envelope wrong: id=%s attempts=%d", again.ID, again.Attempts)
	}
	if again.TradeExecuted.EthIn.Int64() != 100 {
		t.Fatalf("requeued amount = %s", again.TradeExecuted.EthIn)
	}
}

func TestReconcilerDropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	producer := &capturingProducer{}
	alerter := &capturingAlerter{}
	r := NewReconciler(machine, store, nil, producer,
		WithMaxAttempts(2),
		WithBackoff(time.Millisecond, time.Millisecond),
		WithAlertDispatcher(alerter),
	)

	trade := Event{
		ID:            "evt-trade-1",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-ghost",
		Attempts:      2,
		TradeExecuted: &TradeExecutedPayload{Side: "buy", EthIn: big.NewInt(100)},
	}
	if err := r.Handle(ctx, mustEncode(t, trade)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r.wg.Wait()

	if len(producer.snapshot()) != 0 {
		t.Fatal("exhausted event should not requeue")
	}
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.events) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerter.events))
	}
	alert := alerter.events[0]
	if alert.Code != xerrors.CodeRetriesExhausted || alert.EventID != "evt-trade-1" || alert.Attempts != 3 {
		t.Fatalf("alert wrong: %+v", alert)
	}
}

func TestReconcilerHaltedEventsDropped(t *testing.T) {
	ctx := context.Background()
	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	producer := &capturingProducer{}
	r := NewReconciler(machine, store, nil, producer, WithBackoff(time.Millisecond, time.Millisecond))

	for _, event := range quorumEvents("quorum-1", []string{"agent-a", "agent-b", "agent-c"}) {
		if err := r.Handle(ctx, mustEncode(t, event)); err != nil {
			t.Fatalf("Handle %s: %v", event.ID, err)
		}
	}
	// 超卖触发不变量冻结。
	oversell := Event{
		ID:            "evt-trade-1",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-1",
		TradeExecuted: &TradeExecutedPayload{Side: "sell", TokenAmount: big.NewInt(10)},
	}
	if err := r.Handle(ctx, mustEncode(t, oversell)); err != nil {
		t.Fatalf("oversell Handle: %v", err)
	}
	c, err := store.GetCollaborationByQuorumID(ctx, "quorum-1")
	if err != nil {
		t.Fatalf("GetCollaborationByQuorumID: %v", err)
	}
	if !c.Halted {
		t.Fatal("collaboration not halted")
	}

	// 冻结后的事件消化为丢弃，不重新排队。
	buy := Event{
		ID:            "evt-trade-2",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-1",
		TradeExecuted: &TradeExecutedPayload{Side: "buy", EthIn: big.NewInt(100)},
	}
	if err := r.Handle(ctx, mustEncode(t, buy)); err != nil {
		t.Fatalf("post-halt Handle: %v", err)
	}
	r.wg.Wait()
	if len(producer.snapshot()) != 0 {
		t.Fatal("post-halt event should not requeue")
	}
}

func TestReconcilerConvergesOutOfOrderFeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := quorum.NewMemoryStore()
	machine := quorum.NewMachine(store, testCurve())
	queue := NewMemoryQueue(256)
	r := NewReconciler(machine, store, queue, queue,
		WithWorkerCount(4),
		WithMaxAttempts(20),
		WithBackoff(time.Millisecond, 10*time.Millisecond),
	)

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	// 整条生命周期倒序投递：毕业、交易、发射、投票、创建。
	agents := []string{"agent-a", "agent-b", "agent-c"}
	events := quorumEvents("quorum-1", agents)
	events = append(events, Event{
		ID:            "evt-trade-1",
		Kind:          KindTradeExecuted,
		QuorumID:      "quorum-1",
		TradeExecuted: &TradeExecutedPayload{Side: "buy", EthIn: big.NewInt(1000)},
	})
	for i := len(events) - 1; i >= 0; i-- {
		if err := queue.Publish(ctx, mustEncode(t, events[i])); err != nil {
			t.Fatalf("Publish %s: %v", events[i].ID, err)
		}
	}

	deadline := time.Now().Add(8 * time.Second)
	for {
		c, err := store.GetCollaborationByQuorumID(ctx, "quorum-1")
		if err == nil && c.Graduated && c.Status == quorum.StatusCompleted && c.TotalRaised.Int64() == 1000 {
			break
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("feed never converged: %v", err)
			}
			t.Fatalf("feed never converged: %+v", c)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
