// Package settlement 把外部结算层的追加事件流（至少一次投递、
// 可能乱序）转换为状态机与定价引擎上的确定性操作序列。
package settlement

import (
	"encoding/json"
	"math/big"
	"strings"

	xerrors "QuorumLaunch/internal/errors"
)

// Kind 标识事件种类。事件集合是封闭的标签联合：新增一种事件必须
// 在对账器的分发处补全处理分支。
type Kind string

const (
	KindQuorumCreated  Kind = "QuorumCreated"
	KindQuorumVoted    Kind = "QuorumVoted"
	KindTokenLaunched  Kind = "TokenLaunched"
	KindTradeExecuted  Kind = "TradeExecuted"
	KindTokenGraduated Kind = "TokenGraduated"
)

// Event 是事件信封。ID 取自链上不可变的交易/日志标识，作为幂等键；
// 同一键的重复投递是空操作。
type Event struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	QuorumID    string `json:"quorum_id"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	OccurredAt  int64  `json:"occurred_at,omitempty"`
	// Attempts 记录该事件被重新排队的次数。
	Attempts int `json:"attempts,omitempty"`

	QuorumCreated  *QuorumCreatedPayload  `json:"quorum_created,omitempty"`
	QuorumVoted    *QuorumVotedPayload    `json:"quorum_voted,omitempty"`
	TokenLaunched  *TokenLaunchedPayload  `json:"token_launched,omitempty"`
	TradeExecuted  *TradeExecutedPayload  `json:"trade_executed,omitempty"`
	TokenGraduated *TokenGraduatedPayload `json:"token_graduated,omitempty"`
}

// QuorumCreatedPayload 携带协作体登记信息。
type QuorumCreatedPayload struct {
	AgentIDs []string       `json:"agent_ids"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QuorumVotedPayload 携带一次链上投票。
type QuorumVotedPayload struct {
	AgentID string `json:"agent_id"`
}

// TokenLaunchedPayload 携带代币身份。
type TokenLaunchedPayload struct {
	TokenAddress string `json:"token_address"`
	TokenName    string `json:"token_name"`
	TokenSymbol  string `json:"token_symbol"`
}

// TradeExecutedPayload 携带一次曲线交易。金额为定点整数（wei），
// JSON 编码为十进制字符串以避免精度丢失。
type TradeExecutedPayload struct {
	Side        string   `json:"side"`
	EthIn       *big.Int `json:"-"`
	TokenAmount *big.Int `json:"-"`

	EthInString       string `json:"eth_in,omitempty"`
	TokenAmountString string `json:"token_amount,omitempty"`
}

// TokenGraduatedPayload 携带毕业时间。
type TokenGraduatedPayload struct {
	GraduatedAt int64 `json:"graduated_at"`
}

// Encode 将事件序列化为信封字节。
func Encode(event Event) ([]byte, error) {
	if event.TradeExecuted != nil {
		if event.TradeExecuted.EthIn != nil {
			event.TradeExecuted.EthInString = event.TradeExecuted.EthIn.String()
		}
		if event.TradeExecuted.TokenAmount != nil {
			event.TradeExecuted.TokenAmountString = event.TradeExecuted.TokenAmount.String()
		}
	}
	return json.Marshal(event)
}

// Decode 解析信封字节。
func Decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析事件信封失败")
	}
	if event.TradeExecuted != nil {
		if s := event.TradeExecuted.EthInString; s != "" {
			v, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "eth_in 不是合法整数")
			}
			event.TradeExecuted.EthIn = v
		}
		if s := event.TradeExecuted.TokenAmountString; s != "" {
			v, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "token_amount 不是合法整数")
			}
			event.TradeExecuted.TokenAmount = v
		}
	}
	return event, nil
}

// Validate 检查信封的最小完整性。事件种类未知不算错误，
// 由对账器记录并跳过。
func (e *Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件缺少幂等键")
	}
	if strings.TrimSpace(e.QuorumID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件缺少 quorumId")
	}
	switch e.Kind {
	case KindQuorumCreated:
		if e.QuorumCreated == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "QuorumCreated 缺少负载")
		}
	case KindQuorumVoted:
		if e.QuorumVoted == nil || e.QuorumVoted.AgentID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "QuorumVoted 缺少投票者")
		}
		if strings.TrimSpace(e.TxHash) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "QuorumVoted 缺少交易哈希")
		}
	case KindTokenLaunched:
		if e.TokenLaunched == nil || e.TokenLaunched.TokenAddress == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "TokenLaunched 缺少代币地址")
		}
	case KindTradeExecuted:
		if e.TradeExecuted == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "TradeExecuted 缺少负载")
		}
	case KindTokenGraduated:
		if e.TokenGraduated == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "TokenGraduated 缺少负载")
		}
	}
	return nil
}
