package quorum

import (
	"math/big"

	xerrors "QuorumLaunch/internal/errors"
)

// Status 表示协作体在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusVoting    Status = "voting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// 协作体参与者数量的上下限。
const (
	MinParticipants = 3
	MaxParticipants = 5
)

// TokenInfo 记录协作体发射的代币身份，首次写入后不可变更。
type TokenInfo struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// Collaboration 描述一组智能体围绕代币发射达成的协作体（quorum）。
// 记录只增不删，状态只由状态机与对账器推进。
type Collaboration struct {
	ID            string   `json:"id"`
	QuorumID      string   `json:"quorum_id"`
	AgentIDs      []string `json:"agent_ids"`
	Status        Status   `json:"status"`
	RequiredVotes int      `json:"required_votes"`
	VotesReceived int      `json:"votes_received"`

	Token *TokenInfo `json:"token,omitempty"`

	SupplySold       *big.Int `json:"supply_sold"`
	TotalRaised      *big.Int `json:"total_raised"`
	LiquidityReserve *big.Int `json:"liquidity_reserve"`
	AgentFeeAccrued  *big.Int `json:"agent_fee_accrued"`
	FeesClaimed      *big.Int `json:"fees_claimed"`
	MarketCap        *big.Int `json:"market_cap"`

	Graduated   bool  `json:"graduated"`
	GraduatedAt int64 `json:"graduated_at,omitempty"`

	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Version 随每次写入单调递增，用于乐观并发控制与对账恢复。
	Version   uint64 `json:"version"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Vote 记录单个参与者对协作体的一次链上投票。
// (CollaborationID, AgentID) 与 TxHash 都是去重键。
type Vote struct {
	ID              string `json:"id"`
	CollaborationID string `json:"collaboration_id"`
	AgentID         string `json:"agent_id"`
	TxHash          string `json:"tx_hash"`
	CreatedAt       int64  `json:"created_at"`
}

// FeeClaim 记录一次参与者领取智能体金库分成的支付。
type FeeClaim struct {
	ID              string   `json:"id"`
	CollaborationID string   `json:"collaboration_id"`
	AgentID         string   `json:"agent_id"`
	Amount          *big.Int `json:"amount"`
	CreatedAt       int64    `json:"created_at"`
}

var (
	// ErrNotFound 表示指定的协作体不存在。
	ErrNotFound = xerrors.New(CodeQuorumNotFound, "collaboration not found")
	// ErrConflict 表示协作体或投票记录与已有记录冲突。
	ErrConflict = xerrors.New(CodeQuorumConflict, "collaboration conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotParticipant 表示智能体不在协作体的固定参与者集合内。
	ErrNotParticipant = xerrors.New(CodeNotParticipant, "agent is not a participant")
	// ErrNothingToClaim 表示当前没有可供领取的分成余额。
	ErrNothingToClaim = xerrors.New(CodeNothingToClaim, "no unclaimed fee balance")
	// ErrLaunchConflict 表示代币身份已写入且与本次发射事件不一致。
	ErrLaunchConflict = xerrors.New(CodeLaunchConflict, "token identity already set", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTerminal 表示协作体已进入终态，不再接受该操作。
	ErrTerminal = xerrors.New(CodeQuorumTerminal, "collaboration is terminal")
	// ErrNotReady 表示操作依赖的前置转换尚未发生，可稍后重试。
	ErrNotReady = xerrors.New(CodeQuorumNotReady, "collaboration not ready for this event", xerrors.WithRetryable(true))
	// ErrHalted 表示协作体因不变量被破坏而停止自动处理。
	ErrHalted = xerrors.New(CodeQuorumHalted, "collaboration halted pending inspection")
	// ErrStaleVersion 表示乐观并发检查失败，调用方应重读后重试。
	ErrStaleVersion = xerrors.New(xerrors.CodeStaleVersion, "")
)

const (
	CodeQuorumNotFound   xerrors.Code = "QUORUM_NOT_FOUND"
	CodeQuorumConflict   xerrors.Code = "QUORUM_CONFLICT"
	CodeNotParticipant   xerrors.Code = "NOT_PARTICIPANT"
	CodeNothingToClaim   xerrors.Code = "NOTHING_TO_CLAIM"
	CodeLaunchConflict   xerrors.Code = "LAUNCH_CONFLICT"
	CodeQuorumTerminal   xerrors.Code = "QUORUM_TERMINAL"
	CodeQuorumNotReady   xerrors.Code = "QUORUM_NOT_READY"
	CodeQuorumHalted     xerrors.Code = "QUORUM_HALTED"
	CodeQuorumValidation xerrors.Code = "QUORUM_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeQuorumNotFound, xerrors.Attributes{
		Message:   "collaboration not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeQuorumConflict, xerrors.Attributes{
		Message:   "collaboration conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotParticipant, xerrors.Attributes{
		Message:   "agent is not a participant",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNothingToClaim, xerrors.Attributes{
		Message:   "no unclaimed fee balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLaunchConflict, xerrors.Attributes{
		Message:   "token identity already set",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeQuorumTerminal, xerrors.Attributes{
		Message:   "collaboration is terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeQuorumNotReady, xerrors.Attributes{
		Message:   "collaboration not ready for this event",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeQuorumHalted, xerrors.Attributes{
		Message:   "collaboration halted pending inspection",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeQuorumValidation, xerrors.Attributes{
		Message:   "collaboration validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusVoting, StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HasParticipant 判断智能体是否属于协作体的固定参与者集合。
func (c *Collaboration) HasParticipant(agentID string) bool {
	for _, id := range c.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// UnclaimedBalance 返回尚未领取的智能体分成余额。
func (c *Collaboration) UnclaimedBalance() *big.Int {
	accrued := c.AgentFeeAccrued
	if accrued == nil {
		accrued = new(big.Int)
	}
	claimed := c.FeesClaimed
	if claimed == nil {
		claimed = new(big.Int)
	}
	return new(big.Int).Sub(accrued, claimed)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneCollaboration(c *Collaboration) *Collaboration {
	clone := *c
	clone.AgentIDs = append([]string(nil), c.AgentIDs...)
	if c.Token != nil {
		token := *c.Token
		clone.Token = &token
	}
	clone.SupplySold = cloneBig(c.SupplySold)
	clone.TotalRaised = cloneBig(c.TotalRaised)
	clone.LiquidityReserve = cloneBig(c.LiquidityReserve)
	clone.AgentFeeAccrued = cloneBig(c.AgentFeeAccrued)
	clone.FeesClaimed = cloneBig(c.FeesClaimed)
	clone.MarketCap = cloneBig(c.MarketCap)
	clone.Metadata = cloneMetadata(c.Metadata)
	return &clone
}

// normalizeAmounts 保证所有金额字段非 nil，便于存储层与定价引擎直接运算。
func (c *Collaboration) normalizeAmounts() {
	if c.SupplySold == nil {
		c.SupplySold = new(big.Int)
	}
	if c.TotalRaised == nil {
		c.TotalRaised = new(big.Int)
	}
	if c.LiquidityReserve == nil {
		c.LiquidityReserve = new(big.Int)
	}
	if c.AgentFeeAccrued == nil {
		c.AgentFeeAccrued = new(big.Int)
	}
	if c.FeesClaimed == nil {
		c.FeesClaimed = new(big.Int)
	}
	if c.MarketCap == nil {
		c.MarketCap = new(big.Int)
	}
}
