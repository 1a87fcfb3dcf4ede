package quorum

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	xerrors "QuorumLaunch/internal/errors"
	"QuorumLaunch/internal/pricing"
)

// flatCurve 使用单位价格 1 wei、无涨价、毕业阈值 1000 wei 的曲线，
// 便于直接核对账目数字。
func flatCurve() *pricing.Curve {
	return pricing.New(pricing.Config{
		InitialPrice:        big.NewInt(1),
		PriceIncrement:      big.NewInt(0),
		Unit:                big.NewInt(1),
		GraduationThreshold: big.NewInt(1000),
	})
}

func newTestMachine() (*Machine, *MemoryStore) {
	store := NewMemoryStore()
	return NewMachine(store, flatCurve()), store
}

func mustEnsure(t *testing.T, m *Machine, quorumID string, agents []string, eventID string) *Collaboration {
	t.Helper()
	c, err := m.EnsureCollaboration(context.Background(), quorumID, agents, nil, eventID)
	if err != nil {
		t.Fatalf("EnsureCollaboration: %v", err)
	}
	return c
}

func mustVoteAll(t *testing.T, m *Machine, c *Collaboration) {
	t.Helper()
	for i, agent := range c.AgentIDs {
		txHash := "0xvote-" + c.ID + "-" + agent
		eventID := "evt-vote-" + c.ID + "-" + agent
		if _, err := m.RecordVote(context.Background(), c.ID, agent, txHash, eventID); err != nil {
			t.Fatalf("RecordVote %d: %v", i, err)
		}
	}
}

func mustLaunch(t *testing.T, m *Machine, c *Collaboration) {
	t.Helper()
	mustVoteAll(t, m, c)
	token := TokenInfo{Address: "0xtoken", Name: "Quorum Token", Symbol: "QRM"}
	if err := m.AttachLaunch(context.Background(), c.ID, token, "evt-launch-"+c.ID); err != nil {
		t.Fatalf("AttachLaunch: %v", err)
	}
}

func TestEnsureCollaborationIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()

	agents := []string{"agent-a", "agent-b", "agent-c"}
	first := mustEnsure(t, m, "quorum-1", agents, "evt-1")
	if first.Status != StatusPending || first.RequiredVotes != 3 {
		t.Fatalf("unexpected initial state: %+v", first)
	}

	again, err := m.EnsureCollaboration(ctx, "quorum-1", agents, nil, "evt-1-dup")
	if err != nil {
		t.Fatalf("duplicate EnsureCollaboration: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate created new record: %s != %s", again.ID, first.ID)
	}
	applied, err := store.EventApplied(ctx, "evt-1-dup")
	if err != nil {
		t.Fatalf("EventApplied: %v", err)
	}
	if !applied {
		t.Fatal("duplicate delivery not checkpointed")
	}
}

func TestEnsureCollaborationParticipantBounds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine()

	if _, err := m.EnsureCollaboration(ctx, "q-small", []string{"a", "b"}, nil, ""); xerrors.CodeOf(err) != CodeQuorumValidation {
		t.Fatalf("two agents error = %v", err)
	}
	if _, err := m.EnsureCollaboration(ctx, "q-big", []string{"a", "b", "c", "d", "e", "f"}, nil, ""); xerrors.CodeOf(err) != CodeQuorumValidation {
		t.Fatalf("six agents error = %v", err)
	}
	if _, err := m.EnsureCollaboration(ctx, "q-five", []string{"a", "b", "c", "d", "e"}, nil, ""); err != nil {
		t.Fatalf("five agents error = %v", err)
	}
}

func TestRecordVotePartialNeverTransitions(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	if _, err := m.RecordVote(ctx, c.ID, "agent-a", "0xa", "evt-a"); err != nil {
		t.Fatalf("RecordVote a: %v", err)
	}
	if _, err := m.RecordVote(ctx, c.ID, "agent-b", "0xb", "evt-b"); err != nil {
		t.Fatalf("RecordVote b: %v", err)
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status after 2/3 votes = %s, want pending", got.Status)
	}
	if got.VotesReceived != 2 {
		t.Fatalf("votes received = %d, want 2", got.VotesReceived)
	}
}

func TestRecordVoteUnanimousTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	if _, err := m.RecordVote(ctx, c.ID, "agent-a", "0xa", "evt-a"); err != nil {
		t.Fatalf("RecordVote a: %v", err)
	}
	if _, err := m.RecordVote(ctx, c.ID, "agent-b", "0xb", "evt-b"); err != nil {
		t.Fatalf("RecordVote b: %v", err)
	}
	final, err := m.RecordVote(ctx, c.ID, "agent-c", "0xc", "evt-c")
	if err != nil {
		t.Fatalf("RecordVote c: %v", err)
	}

	// 同一票重复投递两次，返回已有记录且不再推进计数。
	for i := 0; i < 2; i++ {
		dup, err := m.RecordVote(ctx, c.ID, "agent-c", "0xc", "evt-c-redeliver")
		if err != nil {
			t.Fatalf("redelivered vote %d: %v", i, err)
		}
		if dup.ID != final.ID {
			t.Fatalf("redelivery created new vote: %s != %s", dup.ID, final.ID)
		}
	}
	// 同一交易哈希换一个事件 ID 投递同样去重。
	byTx, err := m.RecordVote(ctx, c.ID, "agent-c", "0xc", "evt-c-other")
	if err != nil {
		t.Fatalf("tx hash redelivery: %v", err)
	}
	if byTx.ID != final.ID {
		t.Fatal("tx hash dedup failed")
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Status != StatusVoting {
		t.Fatalf("status after unanimous votes = %s, want voting", got.Status)
	}
	if got.VotesReceived != 3 {
		t.Fatalf("votes received = %d, want 3", got.VotesReceived)
	}
}

func TestRecordVoteNonParticipant(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	if _, err := m.RecordVote(ctx, c.ID, "stranger", "0xz", "evt-z"); !stdErrors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger vote error = %v", err)
	}
}

func TestRecordVoteCountOverflowHalts(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	// 构造计数已满但去重键缺失的损坏状态。
	c.VotesReceived = 3
	if err := store.UpdateCollaboration(ctx, c, c.Version, ""); err != nil {
		t.Fatalf("UpdateCollaboration: %v", err)
	}

	_, err := m.RecordVote(ctx, c.ID, "agent-a", "0xa", "evt-a")
	if xerrors.CodeOf(err) != xerrors.CodeInvariantViolation {
		t.Fatalf("overflow vote error = %v", err)
	}
	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if !got.Halted || got.HaltReason == "" {
		t.Fatalf("collaboration not halted: %+v", got)
	}
}

func TestAttachLaunchLifecycle(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	token := TokenInfo{Address: "0xtoken", Name: "Quorum Token", Symbol: "QRM"}

	// 投票未齐前发射事件先到，可重试。
	err := m.AttachLaunch(ctx, c.ID, token, "evt-launch")
	if !stdErrors.Is(err, ErrNotReady) {
		t.Fatalf("premature launch error = %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("premature launch should be retryable")
	}

	mustVoteAll(t, m, c)
	if err := m.AttachLaunch(ctx, c.ID, token, "evt-launch"); err != nil {
		t.Fatalf("AttachLaunch: %v", err)
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("status after launch = %s, want active", got.Status)
	}
	if got.Token == nil || got.Token.Address != "0xtoken" {
		t.Fatalf("token identity not recorded: %+v", got.Token)
	}

	// 同地址重复发射为幂等空操作。
	if err := m.AttachLaunch(ctx, c.ID, token, "evt-launch-dup"); err != nil {
		t.Fatalf("duplicate launch error = %v", err)
	}
	// 不同地址的二次发射被拒绝，但身份保持首写值。
	conflicting := TokenInfo{Address: "0xother", Name: "Other", Symbol: "OTH"}
	if err := m.AttachLaunch(ctx, c.ID, conflicting, "evt-launch-conflict"); !stdErrors.Is(err, ErrLaunchConflict) {
		t.Fatalf("conflicting launch error = %v", err)
	}
	got, err = store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Token.Address != "0xtoken" {
		t.Fatalf("token identity overwritten: %s", got.Token.Address)
	}
}

func TestApplyTradeBuyAccounting(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	// 发射前的交易事件先行，可重试。
	buy := Trade{Side: TradeBuy, EthIn: big.NewInt(100)}
	if err := m.ApplyTrade(ctx, c.ID, buy, "evt-t0"); !stdErrors.Is(err, ErrNotReady) {
		t.Fatalf("pre-launch trade error = %v", err)
	}

	mustLaunch(t, m, c)
	if err := m.ApplyTrade(ctx, c.ID, buy, "evt-t1"); err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	// 价格恒为 1 wei：100 wei 买入得 100 代币，拆分 30/10/60。
	if got.TotalRaised.Int64() != 100 {
		t.Fatalf("total raised = %s, want 100", got.TotalRaised)
	}
	if got.SupplySold.Int64() != 100 {
		t.Fatalf("supply sold = %s, want 100", got.SupplySold)
	}
	if got.LiquidityReserve.Int64() != 60 {
		t.Fatalf("liquidity reserve = %s, want 60", got.LiquidityReserve)
	}
	if got.AgentFeeAccrued.Int64() != 10 {
		t.Fatalf("agent fee accrued = %s, want 10", got.AgentFeeAccrued)
	}
	if got.MarketCap.Int64() != 100 {
		t.Fatalf("market cap = %s, want 100", got.MarketCap)
	}

	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy}, "evt-t2"); xerrors.CodeOf(err) != CodeQuorumValidation {
		t.Fatalf("zero buy error = %v", err)
	}
}

func TestApplyTradeSellAccounting(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	mustLaunch(t, m, c)

	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(100)}, "evt-t1"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeSell, TokenAmount: big.NewInt(40)}, "evt-t2"); err != nil {
		t.Fatalf("sell: %v", err)
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.SupplySold.Int64() != 60 {
		t.Fatalf("supply sold = %s, want 60", got.SupplySold)
	}
	// 40 代币按价格 1 wei 应得 40 wei，储备 60 足够支付。
	if got.LiquidityReserve.Int64() != 20 {
		t.Fatalf("liquidity reserve = %s, want 20", got.LiquidityReserve)
	}
	// 卖出不回退累计筹资额。
	if got.TotalRaised.Int64() != 100 {
		t.Fatalf("total raised = %s, want 100", got.TotalRaised)
	}
}

func TestApplyTradeSellExceedingSupplyHalts(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	mustLaunch(t, m, c)

	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(100)}, "evt-t1"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeSell, TokenAmount: big.NewInt(101)}, "evt-t2")
	if xerrors.CodeOf(err) != xerrors.CodeInvariantViolation {
		t.Fatalf("oversell error = %v", err)
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if !got.Halted {
		t.Fatal("collaboration not halted after oversell")
	}

	// 冻结后所有写操作拒绝。
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(1)}, "evt-t3"); !stdErrors.Is(err, ErrHalted) {
		t.Fatalf("post-halt trade error = %v", err)
	}
	if _, err := m.RecordVote(ctx, c.ID, "agent-a", "0xlate", "evt-late"); !stdErrors.Is(err, ErrHalted) {
		t.Fatalf("post-halt vote error = %v", err)
	}
	if _, err := m.ClaimFees(ctx, c.ID, "agent-a"); !stdErrors.Is(err, ErrHalted) {
		t.Fatalf("post-halt claim error = %v", err)
	}
}

func TestGraduationOnThresholdBuy(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	mustLaunch(t, m, c)

	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(999)}, "evt-t1"); err != nil {
		t.Fatalf("buy below threshold: %v", err)
	}
	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Graduated {
		t.Fatal("graduated below threshold")
	}

	// 跨过阈值的买入本身触发毕业。
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(1), OccurredAt: 12345}, "evt-t2"); err != nil {
		t.Fatalf("threshold buy: %v", err)
	}
	got, err = store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if !got.Graduated || got.Status != StatusCompleted {
		t.Fatalf("not graduated at threshold: %+v", got)
	}
	if got.GraduatedAt != 12345 {
		t.Fatalf("graduated at = %d, want 12345", got.GraduatedAt)
	}

	// 毕业后曲线停用：交易事件记为已消费但不改账目。
	before := got
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(500)}, "evt-t3"); err != nil {
		t.Fatalf("post-graduation trade: %v", err)
	}
	after, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if after.TotalRaised.Cmp(before.TotalRaised) != 0 || after.SupplySold.Cmp(before.SupplySold) != 0 {
		t.Fatal("ledger changed after graduation")
	}
	applied, err := store.EventApplied(ctx, "evt-t3")
	if err != nil {
		t.Fatalf("EventApplied: %v", err)
	}
	if !applied {
		t.Fatal("post-graduation trade not checkpointed")
	}
}

func TestMarkGraduated(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	// 发射前的毕业事件先行，可重试。
	if err := m.MarkGraduated(ctx, c.ID, 100, "evt-g0"); !stdErrors.Is(err, ErrNotReady) {
		t.Fatalf("premature graduation error = %v", err)
	}

	mustLaunch(t, m, c)
	if err := m.MarkGraduated(ctx, c.ID, 100, "evt-g1"); err != nil {
		t.Fatalf("MarkGraduated: %v", err)
	}
	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if !got.Graduated || got.Status != StatusCompleted || got.GraduatedAt != 100 {
		t.Fatalf("graduation state wrong: %+v", got)
	}
	version := got.Version

	// 重复毕业事件为幂等空操作，不再写回。
	if err := m.MarkGraduated(ctx, c.ID, 200, "evt-g2"); err != nil {
		t.Fatalf("duplicate graduation: %v", err)
	}
	got, err = store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.GraduatedAt != 100 || got.Version != version {
		t.Fatalf("duplicate graduation mutated state: %+v", got)
	}
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	if err := m.MarkFailed(ctx, c.ID, "deadline exceeded"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Status != StatusFailed || got.FailReason != "deadline exceeded" {
		t.Fatalf("failure state wrong: %+v", got)
	}

	// 幂等重复标记。
	if err := m.MarkFailed(ctx, c.ID, "other reason"); err != nil {
		t.Fatalf("duplicate MarkFailed: %v", err)
	}
	got, err = store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.FailReason != "deadline exceeded" {
		t.Fatalf("fail reason overwritten: %s", got.FailReason)
	}

	// 失败后不再接受投票。
	if _, err := m.RecordVote(ctx, c.ID, "agent-a", "0xa", "evt-a"); !stdErrors.Is(err, ErrTerminal) {
		t.Fatalf("post-failure vote error = %v", err)
	}

	// 已完成的协作体不能再标记失败。
	done := mustEnsure(t, m, "quorum-2", []string{"agent-a", "agent-b", "agent-c"}, "evt-2")
	mustLaunch(t, m, done)
	if err := m.MarkGraduated(ctx, done.ID, 0, "evt-g"); err != nil {
		t.Fatalf("MarkGraduated: %v", err)
	}
	if err := m.MarkFailed(ctx, done.ID, "too late"); !stdErrors.Is(err, ErrTerminal) {
		t.Fatalf("fail-after-complete error = %v", err)
	}
}

func TestClaimFees(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	mustLaunch(t, m, c)

	// 900 wei 买入累计 90 wei 分成。
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(900)}, "evt-t1"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	claim, err := m.ClaimFees(ctx, c.ID, "agent-a")
	if err != nil {
		t.Fatalf("ClaimFees: %v", err)
	}
	// floor(90 / 3) = 30
	if claim.Amount.Int64() != 30 {
		t.Fatalf("first claim = %s, want 30", claim.Amount)
	}

	// 第二次领取按剩余 60 的三分之一。
	claim, err = m.ClaimFees(ctx, c.ID, "agent-b")
	if err != nil {
		t.Fatalf("second ClaimFees: %v", err)
	}
	if claim.Amount.Int64() != 20 {
		t.Fatalf("second claim = %s, want 20", claim.Amount)
	}

	if _, err := m.ClaimFees(ctx, c.ID, "stranger"); !stdErrors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger claim error = %v", err)
	}

	claims, err := store.ListFeeClaims(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListFeeClaims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("claim records = %d, want 2", len(claims))
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.FeesClaimed.Int64() != 50 {
		t.Fatalf("fees claimed = %s, want 50", got.FeesClaimed)
	}
	if got.FeesClaimed.Cmp(got.AgentFeeAccrued) > 0 {
		t.Fatal("claimed exceeds accrued")
	}
}

func TestClaimFeesNothingToClaim(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")

	// pending 状态不可领取。
	if _, err := m.ClaimFees(ctx, c.ID, "agent-a"); xerrors.CodeOf(err) != CodeQuorumValidation {
		t.Fatalf("pending claim error = %v", err)
	}

	mustLaunch(t, m, c)
	// 未发生任何交易，余额为零。
	if _, err := m.ClaimFees(ctx, c.ID, "agent-a"); !stdErrors.Is(err, ErrNothingToClaim) {
		t.Fatalf("zero balance claim error = %v", err)
	}

	// 余额不足一人份（floor(2/3) = 0）同样拒绝。
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(20)}, "evt-t1"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := m.ClaimFees(ctx, c.ID, "agent-a"); !stdErrors.Is(err, ErrNothingToClaim) {
		t.Fatalf("dust balance claim error = %v", err)
	}
}

func TestClaimFeesConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	mustLaunch(t, m, c)
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(9000)}, "evt-t1"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 12; i++ {
		agent := c.AgentIDs[i%len(c.AgentIDs)]
		go func(agent string) {
			defer func() { done <- struct{}{} }()
			_, _ = m.ClaimFees(ctx, c.ID, agent)
		}(agent)
	}
	for i := 0; i < 12; i++ {
		<-done
	}

	got, err := store.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.Halted {
		t.Fatalf("halted during serialized claims: %s", got.HaltReason)
	}
	if got.FeesClaimed.Cmp(got.AgentFeeAccrued) > 0 {
		t.Fatalf("claimed %s exceeds accrued %s", got.FeesClaimed, got.AgentFeeAccrued)
	}

	claims, err := store.ListFeeClaims(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListFeeClaims: %v", err)
	}
	total := new(big.Int)
	for _, claim := range claims {
		total.Add(total, claim.Amount)
	}
	if total.Cmp(got.FeesClaimed) != 0 {
		t.Fatalf("claim records sum %s != fees claimed %s", total, got.FeesClaimed)
	}
}

// flakyStore 包装内存账本，按计划让若干次写入瞬时失败。
type flakyStore struct {
	Store
	failUpdates int
	failSettles int
}

func (s *flakyStore) UpdateCollaboration(ctx context.Context, c *Collaboration, expectedVersion uint64, appliedEventID string) error {
	if s.failUpdates > 0 {
		s.failUpdates--
		return xerrors.New(xerrors.CodeStorageFailure, "写回临时失败")
	}
	return s.Store.UpdateCollaboration(ctx, c, expectedVersion, appliedEventID)
}

func (s *flakyStore) SettleFeeClaim(ctx context.Context, c *Collaboration, expectedVersion uint64, claim *FeeClaim) error {
	if s.failSettles > 0 {
		s.failSettles--
		return xerrors.New(xerrors.CodeStorageFailure, "落盘临时失败")
	}
	return s.Store.SettleFeeClaim(ctx, c, expectedVersion, claim)
}

func TestRecordVoteRedeliveryRepairsCount(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	flaky := &flakyStore{Store: memory}
	m := NewMachine(flaky, flatCurve())

	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	if _, err := m.RecordVote(ctx, c.ID, "agent-a", "0xa", "evt-a"); err != nil {
		t.Fatalf("RecordVote a: %v", err)
	}
	if _, err := m.RecordVote(ctx, c.ID, "agent-b", "0xb", "evt-b"); err != nil {
		t.Fatalf("RecordVote b: %v", err)
	}

	// 第三票的投票记录落盘，计数写回失败：票已存在但计数停在 2。
	flaky.failUpdates = 1
	if _, err := m.RecordVote(ctx, c.ID, "agent-c", "0xc", "evt-c"); err == nil {
		t.Fatal("expected transient failure on third vote")
	}
	interrupted, err := memory.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if interrupted.VotesReceived != 2 || interrupted.Status != StatusPending {
		t.Fatalf("unexpected interrupted state: votes=%d status=%s", interrupted.VotesReceived, interrupted.Status)
	}

	// 至少一次投递保证重投递同一事件；命中去重键后按投票表校正计数。
	vote, err := m.RecordVote(ctx, c.ID, "agent-c", "0xc", "evt-c")
	if err != nil {
		t.Fatalf("redelivered RecordVote: %v", err)
	}
	if vote.AgentID != "agent-c" {
		t.Fatalf("redelivery returned vote for %s", vote.AgentID)
	}

	repaired, err := memory.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if repaired.VotesReceived != 3 {
		t.Fatalf("votes received = %d, want 3", repaired.VotesReceived)
	}
	if repaired.Status != StatusVoting {
		t.Fatalf("status = %s, want voting", repaired.Status)
	}
	applied, err := memory.EventApplied(ctx, "evt-c")
	if err != nil {
		t.Fatalf("EventApplied: %v", err)
	}
	if !applied {
		t.Fatal("redelivered event not checkpointed")
	}
}

func TestClaimFeesFailedSettleLeavesLedgerIntact(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	flaky := &flakyStore{Store: memory}
	m := NewMachine(flaky, flatCurve())

	c := mustEnsure(t, m, "quorum-1", []string{"agent-a", "agent-b", "agent-c"}, "evt-1")
	mustLaunch(t, m, c)
	if err := m.ApplyTrade(ctx, c.ID, Trade{Side: TradeBuy, EthIn: big.NewInt(300)}, "evt-t1"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// 落盘失败时余额与记录都不得变化。
	flaky.failSettles = 1
	if _, err := m.ClaimFees(ctx, c.ID, "agent-a"); err == nil {
		t.Fatal("expected settle failure")
	}
	got, err := memory.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.FeesClaimed.Sign() != 0 {
		t.Fatalf("fees claimed after failed settle = %s, want 0", got.FeesClaimed)
	}
	claims, err := memory.ListFeeClaims(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListFeeClaims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("claim records after failed settle = %d, want 0", len(claims))
	}

	// 重试后正常领取，余额与记录同时落盘。
	claim, err := m.ClaimFees(ctx, c.ID, "agent-a")
	if err != nil {
		t.Fatalf("retry ClaimFees: %v", err)
	}
	if claim.Amount.Int64() != 10 {
		t.Fatalf("claim = %s, want 10", claim.Amount)
	}
	got, err = memory.GetCollaboration(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollaboration: %v", err)
	}
	if got.FeesClaimed.Int64() != 10 {
		t.Fatalf("fees claimed = %s, want 10", got.FeesClaimed)
	}
	claims, err = memory.ListFeeClaims(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListFeeClaims: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claim records = %d, want 1", len(claims))
	}
}
