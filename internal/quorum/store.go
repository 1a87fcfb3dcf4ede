package quorum

import "context"

// Store 抽象了账本的持久化接口。协作体、投票、分成支付与已应用事件
// 检查点都由同一个账本独占保存；状态机与对账器是唯一的写入方。
type Store interface {
	CreateCollaboration(ctx context.Context, c *Collaboration) error
	GetCollaboration(ctx context.Context, id string) (*Collaboration, error)
	GetCollaborationByQuorumID(ctx context.Context, quorumID string) (*Collaboration, error)
	// UpdateCollaboration 以 expectedVersion 做乐观并发检查写回协作体。
	// appliedEventID 非空时，在同一次写入中记录该事件的幂等键；
	// 版本不匹配返回 ErrStaleVersion，从不静默覆盖。
	UpdateCollaboration(ctx context.Context, c *Collaboration, expectedVersion uint64, appliedEventID string) error
	ListCollaborations(ctx context.Context, opts ListOptions) ([]*Collaboration, error)
	ListCollaborationsByAgent(ctx context.Context, agentID string, opts ListOptions) ([]*Collaboration, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)

	CreateVote(ctx context.Context, v *Vote) error
	GetVoteByAgent(ctx context.Context, collaborationID, agentID string) (*Vote, error)
	GetVoteByTxHash(ctx context.Context, txHash string) (*Vote, error)
	ListVotes(ctx context.Context, collaborationID string) ([]*Vote, error)

	CreateFeeClaim(ctx context.Context, claim *FeeClaim) error
	// SettleFeeClaim 在同一次原子写入中完成协作体余额写回（乐观版本
	// 检查同 UpdateCollaboration）与分成支付记录的落盘。二者要么同时
	// 持久化要么都不生效，失败的领取不会吞掉余额。
	SettleFeeClaim(ctx context.Context, c *Collaboration, expectedVersion uint64, claim *FeeClaim) error
	ListFeeClaims(ctx context.Context, collaborationID string) ([]*FeeClaim, error)

	// EventApplied 判断给定幂等键是否已经应用过。
	EventApplied(ctx context.Context, eventID string) (bool, error)
	// MarkEventApplied 单独记录一个幂等键，用于没有协作体写回的空操作事件。
	MarkEventApplied(ctx context.Context, eventID string) error

	Close() error
}
