package quorum

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "QuorumLaunch/internal/errors"
)

// MemoryStore 以内存方式保存账本状态，主要用于测试与单机运行。
type MemoryStore struct {
	mu             sync.RWMutex
	collaborations map[string]*Collaboration
	byQuorumID     map[string]string
	votes          map[string]*Vote
	votesByAgent   map[string]string // collaborationID + "/" + agentID -> vote id
	votesByTxHash  map[string]string
	claims         map[string][]*FeeClaim
	applied        map[string]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collaborations: make(map[string]*Collaboration),
		byQuorumID:     make(map[string]string),
		votes:          make(map[string]*Vote),
		votesByAgent:   make(map[string]string),
		votesByTxHash:  make(map[string]string),
		claims:         make(map[string][]*FeeClaim),
		applied:        make(map[string]struct{}),
	}
}

// CreateCollaboration 实现 Store 接口。
func (m *MemoryStore) CreateCollaboration(_ context.Context, c *Collaboration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "collaboration 不能为空")
	}
	if c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "协作体 ID 不能为空")
	}
	if _, ok := m.collaborations[c.ID]; ok {
		return ErrConflict
	}
	if c.QuorumID != "" {
		if _, ok := m.byQuorumID[c.QuorumID]; ok {
			return ErrConflict
		}
	}
	now := time.Now().Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	c.normalizeAmounts()
	clone := cloneCollaboration(c)
	m.collaborations[c.ID] = clone
	if c.QuorumID != "" {
		m.byQuorumID[c.QuorumID] = c.ID
	}
	return nil
}

// GetCollaboration 返回协作体。
func (m *MemoryStore) GetCollaboration(_ context.Context, id string) (*Collaboration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collaborations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCollaboration(c), nil
}

// GetCollaborationByQuorumID 按外部分配的 quorumId 查询协作体。
func (m *MemoryStore) GetCollaborationByQuorumID(_ context.Context, quorumID string) (*Collaboration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byQuorumID[quorumID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := m.collaborations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCollaboration(c), nil
}

// UpdateCollaboration 以乐观版本检查写回协作体。
func (m *MemoryStore) UpdateCollaboration(_ context.Context, c *Collaboration, expectedVersion uint64, appliedEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "collaboration 不能为空")
	}
	existing, ok := m.collaborations[c.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrStaleVersion
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().Unix()
	c.normalizeAmounts()
	m.collaborations[c.ID] = cloneCollaboration(c)
	if appliedEventID != "" {
		m.applied[appliedEventID] = struct{}{}
	}
	return nil
}

// ListCollaborations 返回符合过滤条件的协作体。
func (m *MemoryStore) ListCollaborations(_ context.Context, opts ListOptions) ([]*Collaboration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(opts, ""), nil
}

// ListCollaborationsByAgent 返回智能体参与的协作体。
func (m *MemoryStore) ListCollaborationsByAgent(_ context.Context, agentID string, opts ListOptions) ([]*Collaboration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(opts, agentID), nil
}

func (m *MemoryStore) listLocked(opts ListOptions, agentID string) []*Collaboration {
	opts.applyDefaults()

	results := make([]*Collaboration, 0, len(m.collaborations))
	for _, c := range m.collaborations {
		if !matchesListFilters(c, opts) {
			continue
		}
		if agentID != "" && !c.HasParticipant(agentID) {
			continue
		}
		results = append(results, cloneCollaboration(c))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

func matchesListFilters(c *Collaboration, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if c.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && c.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && c.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Graduated != nil && c.Graduated != *opts.Graduated {
		return false
	}
	return true
}

// Stats 统计符合过滤条件的协作体数量与筹资总额。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{TotalRaised: new(big.Int)}
	for _, c := range m.collaborations {
		if !matchesListFilters(c, opts) {
			continue
		}
		stats.Total++
		switch c.Status {
		case StatusPending:
			stats.Pending++
		case StatusVoting:
			stats.Voting++
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if c.Graduated {
			stats.Graduated++
		}
		if c.Halted {
			stats.Halted++
		}
		if c.TotalRaised != nil {
			stats.TotalRaised.Add(stats.TotalRaised, c.TotalRaised)
		}
		if c.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = c.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (c.UpdatedAt != 0 && c.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = c.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// CreateVote 写入一条投票记录，按智能体与交易哈希双键去重。
func (m *MemoryStore) CreateVote(_ context.Context, v *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == nil || v.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "vote 不能为空")
	}
	agentKey := v.CollaborationID + "/" + v.AgentID
	if _, ok := m.votesByAgent[agentKey]; ok {
		return ErrConflict
	}
	if _, ok := m.votesByTxHash[v.TxHash]; ok {
		return ErrConflict
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().Unix()
	}
	clone := *v
	m.votes[v.ID] = &clone
	m.votesByAgent[agentKey] = v.ID
	m.votesByTxHash[v.TxHash] = v.ID
	return nil
}

// GetVoteByAgent 按 (协作体, 智能体) 去重键查询投票。
func (m *MemoryStore) GetVoteByAgent(_ context.Context, collaborationID, agentID string) (*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.votesByAgent[collaborationID+"/"+agentID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m.votes[id]
	return &clone, nil
}

// GetVoteByTxHash 按交易哈希去重键查询投票。
func (m *MemoryStore) GetVoteByTxHash(_ context.Context, txHash string) (*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.votesByTxHash[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m.votes[id]
	return &clone, nil
}

// ListVotes 返回协作体的全部投票，按时间排序。
func (m *MemoryStore) ListVotes(_ context.Context, collaborationID string) ([]*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Vote, 0, 8)
	for _, v := range m.votes {
		if v.CollaborationID != collaborationID {
			continue
		}
		clone := *v
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// CreateFeeClaim 追加一条分成支付记录。
func (m *MemoryStore) CreateFeeClaim(_ context.Context, claim *FeeClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim == nil || claim.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "fee claim 不能为空")
	}
	if claim.CreatedAt == 0 {
		claim.CreatedAt = time.Now().Unix()
	}
	clone := *claim
	clone.Amount = cloneBig(claim.Amount)
	m.claims[claim.CollaborationID] = append(m.claims[claim.CollaborationID], &clone)
	return nil
}

// SettleFeeClaim 在同一把锁内写回协作体并追加分成记录，版本不匹配时
// 二者都不生效。
func (m *MemoryStore) SettleFeeClaim(_ context.Context, c *Collaboration, expectedVersion uint64, claim *FeeClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "collaboration 不能为空")
	}
	if claim == nil || claim.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "fee claim 不能为空")
	}
	existing, ok := m.collaborations[c.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrStaleVersion
	}
	now := time.Now().Unix()
	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	c.normalizeAmounts()
	m.collaborations[c.ID] = cloneCollaboration(c)

	if claim.CreatedAt == 0 {
		claim.CreatedAt = now
	}
	clone := *claim
	clone.Amount = cloneBig(claim.Amount)
	m.claims[claim.CollaborationID] = append(m.claims[claim.CollaborationID], &clone)
	return nil
}

// ListFeeClaims 返回协作体的全部分成支付记录。
func (m *MemoryStore) ListFeeClaims(_ context.Context, collaborationID string) ([]*FeeClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	claims := m.claims[collaborationID]
	results := make([]*FeeClaim, 0, len(claims))
	for _, claim := range claims {
		clone := *claim
		clone.Amount = cloneBig(claim.Amount)
		results = append(results, &clone)
	}
	return results, nil
}

// EventApplied 判断幂等键是否已应用。
func (m *MemoryStore) EventApplied(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[eventID]
	return ok, nil
}

// MarkEventApplied 记录幂等键。
func (m *MemoryStore) MarkEventApplied(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied[eventID] = struct{}{}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
