package quorum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	xerrors "QuorumLaunch/internal/errors"
	"QuorumLaunch/internal/observability/alerting"
	"QuorumLaunch/internal/pricing"
	"QuorumLaunch/pkg/logger"
)

// TradeSide 表示一次曲线交易的方向。
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// Trade 描述一次已结算的曲线交易。买入携带投入的 ETH 金额，
// 卖出携带卖出的代币数量。
type Trade struct {
	Side        TradeSide
	EthIn       *big.Int
	TokenAmount *big.Int
	OccurredAt  int64
}

// Machine 拥有协作体的生命周期转换与投票准入。所有写操作都在
// 协作体级互斥范围内执行，并以乐观版本检查兜底；版本不匹配以
// 可重试冲突暴露，从不静默覆盖。
type Machine struct {
	store   Store
	curve   *pricing.Curve
	locks   *KeyLock
	alerter alerting.Dispatcher
}

// MachineOption 定义可选配置。
type MachineOption func(*Machine)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) MachineOption {
	return func(m *Machine) {
		m.alerter = dispatcher
	}
}

// NewMachine 构造状态机。
func NewMachine(store Store, curve *pricing.Curve, opts ...MachineOption) *Machine {
	m := &Machine{
		store: store,
		curve: curve,
		locks: NewKeyLock(),
	}
	if m.curve == nil {
		m.curve = pricing.New(pricing.Config{})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ResolveQuorum 按外部分配的 quorumId 定位协作体。
func (m *Machine) ResolveQuorum(ctx context.Context, quorumID string) (*Collaboration, error) {
	return m.store.GetCollaborationByQuorumID(ctx, quorumID)
}

// EnsureCollaboration 为链上 QuorumCreated 事件建立协作体记录。
// 已存在同 quorumId 的记录时为幂等空操作，返回已有记录。
func (m *Machine) EnsureCollaboration(ctx context.Context, quorumID string, agentIDs []string, metadata map[string]any, eventID string) (*Collaboration, error) {
	existing, err := m.store.GetCollaborationByQuorumID(ctx, quorumID)
	if err == nil {
		if markErr := m.markApplied(ctx, eventID); markErr != nil {
			return nil, markErr
		}
		return existing, nil
	}
	if !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}
	if len(agentIDs) < MinParticipants || len(agentIDs) > MaxParticipants {
		return nil, xerrors.New(CodeQuorumValidation,
			fmt.Sprintf("参与者数量必须在 %d 到 %d 之间", MinParticipants, MaxParticipants))
	}
	c := &Collaboration{
		ID:            uuid.NewString(),
		QuorumID:      quorumID,
		AgentIDs:      append([]string(nil), agentIDs...),
		Status:        StatusPending,
		RequiredVotes: len(agentIDs),
		Metadata:      cloneMetadata(metadata),
	}
	c.normalizeAmounts()
	if err := m.store.CreateCollaboration(ctx, c); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			// 并发创建，读回已有记录。
			if existing, getErr := m.store.GetCollaborationByQuorumID(ctx, quorumID); getErr == nil {
				if markErr := m.markApplied(ctx, eventID); markErr != nil {
					return nil, markErr
				}
				return existing, nil
			}
		}
		return nil, err
	}
	if err := m.markApplied(ctx, eventID); err != nil {
		return nil, err
	}
	logger.Audit().Info("协作体已登记",
		slog.String("collaboration_id", c.ID),
		slog.String("quorum_id", quorumID),
		slog.Int("required_votes", c.RequiredVotes),
	)
	return c, nil
}

// RecordVote 为协作体记录一票。重复投递（同一智能体或同一交易哈希）
// 是静默幂等成功：返回已有投票且不增加计数。全部参与者投票后触发
// Pending→Voting 转换，部分票数永远不改变状态。
func (m *Machine) RecordVote(ctx context.Context, collaborationID, agentID, txHash, eventID string) (*Vote, error) {
	unlock := m.locks.Lock(collaborationID)
	defer unlock()

	c, err := m.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return nil, err
	}
	if c.Halted {
		return nil, ErrHalted
	}

	// 两个去重键按同样方式处理：命中即为重复投递。重投递同时承担
	// 修复职责：上一次投递可能在投票落盘之后、计数写回之前中断。
	if existing, err := m.store.GetVoteByAgent(ctx, collaborationID, agentID); err == nil {
		if recErr := m.reconcileVotes(ctx, c, eventID); recErr != nil {
			return nil, recErr
		}
		return existing, nil
	} else if !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing, err := m.store.GetVoteByTxHash(ctx, txHash); err == nil {
		if existing.CollaborationID == collaborationID {
			if recErr := m.reconcileVotes(ctx, c, eventID); recErr != nil {
				return nil, recErr
			}
		} else if markErr := m.markApplied(ctx, eventID); markErr != nil {
			return nil, markErr
		}
		return existing, nil
	} else if !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}

	if !c.HasParticipant(agentID) {
		return nil, ErrNotParticipant
	}
	if c.Status.Terminal() {
		return nil, ErrTerminal
	}
	if c.VotesReceived >= c.RequiredVotes {
		// 去重未命中却已集齐票数，计数即将越界。
		return nil, m.halt(ctx, c, "votes would exceed required count")
	}

	vote := &Vote{
		ID:              uuid.NewString(),
		CollaborationID: collaborationID,
		AgentID:         agentID,
		TxHash:          txHash,
		CreatedAt:       time.Now().Unix(),
	}
	if err := m.store.CreateVote(ctx, vote); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := m.store.GetVoteByAgent(ctx, collaborationID, agentID); getErr == nil {
				if recErr := m.reconcileVotes(ctx, c, eventID); recErr != nil {
					return nil, recErr
				}
				return existing, nil
			}
		}
		return nil, err
	}

	c.VotesReceived++
	unanimous := c.VotesReceived == c.RequiredVotes
	if unanimous && c.Status == StatusPending {
		c.Status = StatusVoting
	}
	if err := m.store.UpdateCollaboration(ctx, c, c.Version, eventID); err != nil {
		return nil, err
	}

	logger.Audit().Info("投票已记录",
		slog.String("collaboration_id", collaborationID),
		slog.String("agent_id", agentID),
		slog.String("tx_hash", txHash),
		slog.Int("votes_received", c.VotesReceived),
		slog.Int("required_votes", c.RequiredVotes),
		slog.Bool("unanimous", unanimous),
	)
	return vote, nil
}

// reconcileVotes 对照投票表校正协作体的票数计数。投票落盘与计数写回是
// 两次存储操作，若写回瞬时失败，票已存在但计数偏低；重投递命中去重键后
// 由这里补齐，否则一致同意永远无法达成。
func (m *Machine) reconcileVotes(ctx context.Context, c *Collaboration, eventID string) error {
	votes, err := m.store.ListVotes(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(votes) == c.VotesReceived {
		return m.markApplied(ctx, eventID)
	}
	if len(votes) > c.RequiredVotes {
		return m.halt(ctx, c, "votes would exceed required count")
	}

	c.VotesReceived = len(votes)
	unanimous := c.VotesReceived == c.RequiredVotes
	if unanimous && c.Status == StatusPending {
		c.Status = StatusVoting
	}
	if err := m.store.UpdateCollaboration(ctx, c, c.Version, eventID); err != nil {
		return err
	}

	logger.Audit().Warn("票数已按投票表校正",
		slog.String("collaboration_id", c.ID),
		slog.Int("votes_received", c.VotesReceived),
		slog.Int("required_votes", c.RequiredVotes),
		slog.Bool("unanimous", unanimous),
	)
	return nil
}

// AttachLaunch 将代币身份写入协作体并触发 Voting→Active 转换。
// 代币身份字段只写一次：重复发射事件若地址一致为幂等空操作，
// 地址不一致记录冲突并拒绝，但不致命。
func (m *Machine) AttachLaunch(ctx context.Context, collaborationID string, token TokenInfo, eventID string) error {
	unlock := m.locks.Lock(collaborationID)
	defer unlock()

	c, err := m.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return err
	}
	if c.Halted {
		return ErrHalted
	}
	if c.Token != nil {
		if markErr := m.markApplied(ctx, eventID); markErr != nil {
			return markErr
		}
		if c.Token.Address == token.Address {
			return nil
		}
		logger.L().Warn("忽略冲突的二次发射事件",
			slog.String("collaboration_id", collaborationID),
			slog.String("existing_address", c.Token.Address),
			slog.String("conflicting_address", token.Address),
		)
		return ErrLaunchConflict
	}
	switch c.Status {
	case StatusPending:
		// 投票事件尚未全部到达，稍后重试。
		return ErrNotReady
	case StatusFailed, StatusCompleted:
		return ErrTerminal
	}

	tokenCopy := token
	c.Token = &tokenCopy
	c.Status = StatusActive
	if err := m.store.UpdateCollaboration(ctx, c, c.Version, eventID); err != nil {
		return err
	}

	logger.Audit().Info("代币已发射",
		slog.String("collaboration_id", collaborationID),
		slog.String("token_address", token.Address),
		slog.String("token_symbol", token.Symbol),
	)
	return nil
}

// ApplyTrade 通过定价引擎把一次曲线交易记到账本上。买入是唯一
// 可能触发毕业阈值检查的操作；毕业后曲线永久停用，后续交易事件
// 记为跳过。
func (m *Machine) ApplyTrade(ctx context.Context, collaborationID string, trade Trade, eventID string) error {
	unlock := m.locks.Lock(collaborationID)
	defer unlock()

	c, err := m.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return err
	}
	if c.Halted {
		return ErrHalted
	}
	if c.Token == nil {
		// 发射事件尚未到达，交易事件先行，稍后重试。
		return ErrNotReady
	}
	if c.Graduated || c.Status.Terminal() {
		logger.L().Debug("忽略毕业或终态后的交易事件",
			slog.String("collaboration_id", collaborationID),
			slog.String("event_id", eventID),
		)
		return m.markApplied(ctx, eventID)
	}
	if c.Status != StatusActive {
		return ErrNotReady
	}

	switch trade.Side {
	case TradeBuy:
		if trade.EthIn == nil || trade.EthIn.Sign() <= 0 {
			return xerrors.New(CodeQuorumValidation, "买入金额必须为正")
		}
		split := m.curve.SplitFees(trade.EthIn)
		sum := new(big.Int).Add(split.Platform, split.Agent)
		sum.Add(sum, split.Liquidity)
		if sum.Cmp(trade.EthIn) != 0 {
			return m.halt(ctx, c, "fee split does not sum to trade amount")
		}
		tokens := m.curve.PurchaseReturn(c.SupplySold, trade.EthIn)
		c.SupplySold = new(big.Int).Add(c.SupplySold, tokens)
		c.TotalRaised = new(big.Int).Add(c.TotalRaised, trade.EthIn)
		c.LiquidityReserve = new(big.Int).Add(c.LiquidityReserve, split.Liquidity)
		c.AgentFeeAccrued = new(big.Int).Add(c.AgentFeeAccrued, split.Agent)
	case TradeSell:
		if trade.TokenAmount == nil || trade.TokenAmount.Sign() <= 0 {
			return xerrors.New(CodeQuorumValidation, "卖出数量必须为正")
		}
		if trade.TokenAmount.Cmp(c.SupplySold) > 0 {
			return m.halt(ctx, c, "sell amount exceeds supply sold")
		}
		payout := m.curve.SaleReturn(c.SupplySold, trade.TokenAmount, c.LiquidityReserve)
		c.SupplySold = new(big.Int).Sub(c.SupplySold, trade.TokenAmount)
		c.LiquidityReserve = new(big.Int).Sub(c.LiquidityReserve, payout)
	default:
		return xerrors.New(CodeQuorumValidation, fmt.Sprintf("未知的交易方向: %s", trade.Side))
	}

	c.MarketCap = m.curve.MarketCap(c.SupplySold)

	graduatedNow := false
	if trade.Side == TradeBuy && !c.Graduated && m.curve.GraduationReached(c.TotalRaised) {
		m.graduate(c, trade.OccurredAt)
		graduatedNow = true
	}

	if err := m.store.UpdateCollaboration(ctx, c, c.Version, eventID); err != nil {
		return err
	}

	logger.Audit().Info("交易已入账",
		slog.String("collaboration_id", collaborationID),
		slog.String("side", string(trade.Side)),
		slog.String("total_raised", c.TotalRaised.String()),
		slog.String("liquidity_reserve", c.LiquidityReserve.String()),
		slog.Bool("graduated", graduatedNow),
	)
	return nil
}

// MarkGraduated 处理链上毕业事件。协作体已毕业时为幂等空操作。
func (m *Machine) MarkGraduated(ctx context.Context, collaborationID string, occurredAt int64, eventID string) error {
	unlock := m.locks.Lock(collaborationID)
	defer unlock()

	c, err := m.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return err
	}
	if c.Halted {
		return ErrHalted
	}
	if c.Graduated {
		return m.markApplied(ctx, eventID)
	}
	if c.Token == nil {
		return ErrNotReady
	}
	switch c.Status {
	case StatusFailed:
		return ErrTerminal
	case StatusActive:
	default:
		return ErrNotReady
	}

	m.graduate(c, occurredAt)
	if err := m.store.UpdateCollaboration(ctx, c, c.Version, eventID); err != nil {
		return err
	}
	logger.Audit().Info("协作体已毕业",
		slog.String("collaboration_id", collaborationID),
		slog.Int64("graduated_at", c.GraduatedAt),
	)
	return nil
}

// graduate 执行一次性毕业转换，调用方负责写回。
func (m *Machine) graduate(c *Collaboration, occurredAt int64) {
	c.Graduated = true
	if occurredAt > 0 {
		c.GraduatedAt = occurredAt
	} else {
		c.GraduatedAt = time.Now().Unix()
	}
	c.Status = StatusCompleted
}

// MarkFailed 响应显式的外部失败/超时信号。失败从不因缺乏进展而
// 推断；已失败的协作体重复标记为幂等空操作。
func (m *Machine) MarkFailed(ctx context.Context, collaborationID, reason string) error {
	unlock := m.locks.Lock(collaborationID)
	defer unlock()

	c, err := m.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return err
	}
	if c.Status == StatusFailed {
		return nil
	}
	if c.Status == StatusCompleted {
		return ErrTerminal
	}
	c.Status = StatusFailed
	c.FailReason = reason
	if err := m.store.UpdateCollaboration(ctx, c, c.Version, ""); err != nil {
		return err
	}
	logger.Audit().Warn("协作体已标记失败",
		slog.String("collaboration_id", collaborationID),
		slog.String("reason", reason),
	)
	return nil
}

// ClaimFees 向参与者支付均分的智能体金库分成。并发领取在协作体
// 互斥范围内串行，余额快照不会脏读。
func (m *Machine) ClaimFees(ctx context.Context, collaborationID, agentID string) (*FeeClaim, error) {
	unlock := m.locks.Lock(collaborationID)
	defer unlock()

	c, err := m.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return nil, err
	}
	if c.Halted {
		return nil, ErrHalted
	}
	if !c.HasParticipant(agentID) {
		return nil, ErrNotParticipant
	}
	if c.Status != StatusActive && c.Status != StatusCompleted {
		return nil, xerrors.New(CodeQuorumValidation, "仅 active 或 completed 状态的协作体可领取分成")
	}
	unclaimed := c.UnclaimedBalance()
	if unclaimed.Sign() <= 0 {
		return nil, ErrNothingToClaim
	}
	share := new(big.Int).Quo(unclaimed, big.NewInt(int64(len(c.AgentIDs))))
	if share.Sign() <= 0 {
		return nil, ErrNothingToClaim
	}

	c.FeesClaimed = new(big.Int).Add(c.FeesClaimed, share)
	if c.FeesClaimed.Cmp(c.AgentFeeAccrued) > 0 {
		return nil, m.halt(ctx, c, "claimed fees exceed accrued revenue")
	}

	// 余额写回与支付记录必须原子提交：领取失败时调用方只会拿到错误，
	// 不会留下已扣余额却查不到记录的账本。
	claim := &FeeClaim{
		ID:              uuid.NewString(),
		CollaborationID: collaborationID,
		AgentID:         agentID,
		Amount:          share,
		CreatedAt:       time.Now().Unix(),
	}
	if err := m.store.SettleFeeClaim(ctx, c, c.Version, claim); err != nil {
		logger.L().Error("分成支付落盘失败",
			slog.Any("error", err),
			slog.String("collaboration_id", collaborationID),
			slog.String("agent_id", agentID),
		)
		return nil, err
	}

	logger.Audit().Info("分成已领取",
		slog.String("collaboration_id", collaborationID),
		slog.String("agent_id", agentID),
		slog.String("amount", share.String()),
		slog.String("fees_claimed", c.FeesClaimed.String()),
	)
	return claim, nil
}

// halt 在不变量被破坏时冻结协作体：仅影响该实体，从不静默修正，
// 等待外部人工检查。
func (m *Machine) halt(ctx context.Context, c *Collaboration, reason string) error {
	c.Halted = true
	c.HaltReason = reason
	if err := m.store.UpdateCollaboration(ctx, c, c.Version, ""); err != nil {
		logger.L().Error("冻结协作体失败", slog.Any("error", err), slog.String("collaboration_id", c.ID))
	}
	logger.Audit().Error("不变量被破坏，协作体已冻结",
		slog.String("collaboration_id", c.ID),
		slog.String("reason", reason),
	)
	m.emitAlert(ctx, c.ID, xerrors.CodeInvariantViolation, reason)
	return xerrors.New(xerrors.CodeInvariantViolation, reason,
		xerrors.WithMetadata("collaboration_id", c.ID))
}

func (m *Machine) markApplied(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return m.store.MarkEventApplied(ctx, eventID)
}

func (m *Machine) emitAlert(ctx context.Context, collaborationID string, code xerrors.Code, message string) {
	if m == nil || m.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:            code,
		Message:         message,
		Severity:        attrs.Severity,
		CollaborationID: collaborationID,
		OccurredAt:      time.Now(),
	}
	if err := m.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("collaboration_id", collaborationID),
		)
	}
}
