package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "QuorumLaunch/internal/errors"
	"QuorumLaunch/internal/observability/alerting"
	"QuorumLaunch/internal/observability/metrics"
	"QuorumLaunch/internal/quorum"
	"QuorumLaunch/pkg/logger"
)

// Reconciler 以并发工作池消费事件源，并把每条事件映射为状态机上的
// 确定性操作。同一协作体上的写入由状态机的互斥范围串行化；不同
// 协作体完全并行。引用尚未观测到的前置转换的事件（如发射前的交易）
// 以指数退避重新排队，不阻塞无关事件。
type Reconciler struct {
	machine     *quorum.Machine
	store       quorum.Store
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	wg sync.WaitGroup
}

// ReconcilerOption 定义可选配置。
type ReconcilerOption func(*Reconciler)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ReconcilerOption {
	return func(r *Reconciler) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置单条事件的重排队上限。
func WithMaxAttempts(attempts int) ReconcilerOption {
	return func(r *Reconciler) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// WithBackoff 设置重排队退避的起始与上限时长。
func WithBackoff(base, max time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if base > 0 {
			r.baseDelay = base
		}
		if max > 0 {
			r.maxDelay = max
		}
	}
}

// WithReconcilerLogger 指定日志输出。
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ReconcilerOption {
	return func(r *Reconciler) {
		r.alerter = dispatcher
	}
}

// NewReconciler 构造对账器。
func NewReconciler(machine *quorum.Machine, store quorum.Store, consumer Consumer, producer Producer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		machine:     machine,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 4,
		maxAttempts: 8,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动事件处理循环，直到上下文取消。
func (r *Reconciler) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	err := r.consumer.Consume(ctx, r.workerCount, r.Handle)
	r.wg.Wait()
	return err
}

// Handle 处理一条事件信封。返回 nil 表示事件已消化（包括被记为
// 重复、跳过或丢弃），事件源可以确认投递。
func (r *Reconciler) Handle(ctx context.Context, payload []byte) error {
	event, err := Decode(payload)
	if err != nil {
		r.logWarn("丢弃无法解析的事件", slog.Any("error", err))
		metrics.ObserveSettlementEvent("unknown", metrics.OutcomeRejected)
		return nil
	}
	if err := event.Validate(); err != nil {
		r.logWarn("丢弃不完整的事件",
			slog.Any("error", err),
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
		)
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeRejected)
		return nil
	}

	applied, err := r.store.EventApplied(ctx, event.ID)
	if err != nil {
		return err
	}
	if applied {
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeDuplicate)
		return nil
	}

	if err := r.dispatch(ctx, event); err != nil {
		return r.handleDispatchError(ctx, event, err)
	}
	metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeApplied)
	return nil
}

// dispatch 是事件种类上的封闭分发：新增一种事件必须在这里补全分支。
func (r *Reconciler) dispatch(ctx context.Context, event Event) error {
	switch event.Kind {
	case KindQuorumCreated:
		_, err := r.machine.EnsureCollaboration(ctx, event.QuorumID, event.QuorumCreated.AgentIDs, event.QuorumCreated.Metadata, event.ID)
		return err
	case KindQuorumVoted:
		c, err := r.machine.ResolveQuorum(ctx, event.QuorumID)
		if err != nil {
			return err
		}
		_, err = r.machine.RecordVote(ctx, c.ID, event.QuorumVoted.AgentID, event.TxHash, event.ID)
		return err
	case KindTokenLaunched:
		c, err := r.machine.ResolveQuorum(ctx, event.QuorumID)
		if err != nil {
			return err
		}
		return r.machine.AttachLaunch(ctx, c.ID, quorum.TokenInfo{
			Address: event.TokenLaunched.TokenAddress,
			Name:    event.TokenLaunched.TokenName,
			Symbol:  event.TokenLaunched.TokenSymbol,
		}, event.ID)
	case KindTradeExecuted:
		c, err := r.machine.ResolveQuorum(ctx, event.QuorumID)
		if err != nil {
			return err
		}
		return r.machine.ApplyTrade(ctx, c.ID, quorum.Trade{
			Side:        quorum.TradeSide(event.TradeExecuted.Side),
			EthIn:       event.TradeExecuted.EthIn,
			TokenAmount: event.TradeExecuted.TokenAmount,
			OccurredAt:  event.OccurredAt,
		}, event.ID)
	case KindTokenGraduated:
		c, err := r.machine.ResolveQuorum(ctx, event.QuorumID)
		if err != nil {
			return err
		}
		return r.machine.MarkGraduated(ctx, c.ID, event.TokenGraduated.GraduatedAt, event.ID)
	default:
		// 未知事件种类：记录并忽略，保持向前兼容。
		r.logWarn("忽略未知事件种类",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
		)
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeSkipped)
		return nil
	}
}

func (r *Reconciler) handleDispatchError(ctx context.Context, event Event, err error) error {
	switch {
	case stdErrors.Is(err, quorum.ErrLaunchConflict):
		// 冲突的二次发射在状态机内已记录并标记应用，事件消化完毕。
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeRejected)
		return nil
	case stdErrors.Is(err, quorum.ErrHalted):
		r.logWarn("协作体已冻结，事件待人工检查",
			slog.String("event_id", event.ID),
			slog.String("quorum_id", event.QuorumID),
		)
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeDropped)
		return nil
	case xerrors.CodeOf(err) == xerrors.CodeInvariantViolation:
		metrics.ObserveInvariantHalt()
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeDropped)
		return nil
	case xerrors.RetryableError(err) || stdErrors.Is(err, quorum.ErrNotFound):
		// 乱序到达：前置事件尚未应用，退避后重新排队。
		return r.requeue(ctx, event, err)
	default:
		r.logWarn("丢弃无法应用的事件",
			slog.Any("error", err),
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
		)
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeRejected)
		return nil
	}
}

// requeue 将事件重新投回事件源。退避在独立协程中进行，不阻塞当前
// 工作协程处理无关事件。
func (r *Reconciler) requeue(ctx context.Context, event Event, cause error) error {
	event.Attempts++
	if event.Attempts > r.maxAttempts {
		r.logWarn("事件重试次数耗尽，已丢弃",
			slog.Any("error", cause),
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			slog.Int("attempts", event.Attempts),
		)
		metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeDropped)
		r.emitAlert(ctx, event, cause)
		return nil
	}

	payload, err := Encode(event)
	if err != nil {
		return err
	}
	delay := r.backoffDelay(event.Attempts)
	metrics.ObserveSettlementEvent(string(event.Kind), metrics.OutcomeRequeued)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := r.producer.Publish(ctx, payload); err != nil {
			r.logWarn("事件重新排队失败",
				slog.Any("error", err),
				slog.String("event_id", event.ID),
			)
		}
	}()
	return nil
}

func (r *Reconciler) backoffDelay(attempts int) time.Duration {
	delay := r.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}

func (r *Reconciler) logWarn(msg string, attrs ...slog.Attr) {
	log := r.logger
	if log == nil {
		log = logger.L()
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	log.Warn(msg, args...)
}

func (r *Reconciler) emitAlert(ctx context.Context, event Event, cause error) {
	if r.alerter == nil {
		return
	}
	message := "事件重试次数耗尽"
	if cause != nil {
		message = cause.Error()
	}
	alert := alerting.Event{
		Code:        xerrors.CodeRetriesExhausted,
		Message:     message,
		Severity:    xerrors.SeverityWarning,
		EventID:     event.ID,
		Attempts:    event.Attempts,
		MaxAttempts: r.maxAttempts,
		Metadata:    map[string]string{"kind": string(event.Kind), "quorum_id": event.QuorumID},
		OccurredAt:  time.Now(),
	}
	if err := r.alerter.Notify(ctx, alert); err != nil {
		r.logWarn("告警通知失败", slog.Any("error", err), slog.String("event_id", event.ID))
	}
}
