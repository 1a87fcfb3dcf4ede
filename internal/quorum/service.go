package quorum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "QuorumLaunch/internal/errors"
	"QuorumLaunch/internal/profile"
	"QuorumLaunch/pkg/logger"
)

// Service 是面向外部协作方的读写入口：创建协作意向、查询快照、
// 领取分成。所有查询只返回最近一次持久化提交的状态。
type Service struct {
	store     Store
	machine   *Machine
	directory profile.Directory
}

// NewService 构造协作体服务。
func NewService(store Store, machine *Machine, directory profile.Directory) *Service {
	return &Service{store: store, machine: machine, directory: directory}
}

// CreateRequest 描述一次链下协作意向。
type CreateRequest struct {
	QuorumID string         `json:"quorum_id"`
	AgentIDs []string       `json:"agent_ids"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateCollaboration 创建协作体。参与者集合在创建时固定并校验
// 资质；重复提交同一 quorumId 返回已有记录。
func (s *Service) CreateCollaboration(ctx context.Context, req CreateRequest) (*Collaboration, error) {
	if s.store == nil || s.machine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协作体服务未初始化")
	}
	quorumID := strings.TrimSpace(req.QuorumID)
	if quorumID == "" {
		return nil, xerrors.New(CodeQuorumValidation, "quorumId 不能为空")
	}
	if len(req.AgentIDs) < MinParticipants || len(req.AgentIDs) > MaxParticipants {
		return nil, xerrors.New(CodeQuorumValidation,
			fmt.Sprintf("参与者数量必须在 %d 到 %d 之间", MinParticipants, MaxParticipants))
	}
	seen := make(map[string]struct{}, len(req.AgentIDs))
	for _, agentID := range req.AgentIDs {
		agentID = strings.TrimSpace(agentID)
		if agentID == "" {
			return nil, xerrors.New(CodeQuorumValidation, "参与者 ID 不能为空")
		}
		if _, ok := seen[agentID]; ok {
			return nil, xerrors.New(CodeQuorumValidation, fmt.Sprintf("参与者 %s 重复", agentID))
		}
		seen[agentID] = struct{}{}
		if s.directory != nil {
			agent, err := s.directory.Resolve(ctx, agentID)
			if err != nil {
				return nil, err
			}
			if !agent.Verified {
				return nil, xerrors.New(CodeQuorumValidation, fmt.Sprintf("参与者 %s 未通过验证", agentID))
			}
		}
	}

	if existing, err := s.store.GetCollaborationByQuorumID(ctx, quorumID); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}

	c := &Collaboration{
		ID:            uuid.NewString(),
		QuorumID:      quorumID,
		AgentIDs:      append([]string(nil), req.AgentIDs...),
		Status:        StatusPending,
		RequiredVotes: len(req.AgentIDs),
		Metadata:      cloneMetadata(req.Metadata),
	}
	c.normalizeAmounts()
	if err := s.store.CreateCollaboration(ctx, c); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := s.store.GetCollaborationByQuorumID(ctx, quorumID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	logger.Audit().Info("协作意向已创建",
		slog.String("collaboration_id", c.ID),
		slog.String("quorum_id", quorumID),
		slog.Int("participants", len(c.AgentIDs)),
	)
	return c, nil
}

// Get 返回指定协作体的最新持久化快照。
func (s *Service) Get(ctx context.Context, id string) (*Collaboration, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	return s.store.GetCollaboration(ctx, id)
}

// GetByQuorumID 按外部 quorumId 查询协作体。
func (s *Service) GetByQuorumID(ctx context.Context, quorumID string) (*Collaboration, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	return s.store.GetCollaborationByQuorumID(ctx, quorumID)
}

// List 返回符合过滤条件的协作体列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Collaboration, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	return s.store.ListCollaborations(ctx, buildListOptions(opts))
}

// ListByAgent 返回智能体参与的协作体。
func (s *Service) ListByAgent(ctx context.Context, agentID string, opts ...ListOption) ([]*Collaboration, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(CodeQuorumValidation, "agentId 不能为空")
	}
	return s.store.ListCollaborationsByAgent(ctx, agentID, buildListOptions(opts))
}

// Votes 返回协作体的投票记录。
func (s *Service) Votes(ctx context.Context, collaborationID string) ([]*Vote, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	if _, err := s.store.GetCollaboration(ctx, collaborationID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, collaborationID)
}

// FeeClaims 返回协作体的分成支付记录。
func (s *Service) FeeClaims(ctx context.Context, collaborationID string) ([]*FeeClaim, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	if _, err := s.store.GetCollaboration(ctx, collaborationID); err != nil {
		return nil, err
	}
	return s.store.ListFeeClaims(ctx, collaborationID)
}

// ClaimFees 领取分成，委托给状态机以保证与对账写入串行。
func (s *Service) ClaimFees(ctx context.Context, collaborationID, agentID string) (*FeeClaim, error) {
	if s.machine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "状态机未初始化")
	}
	return s.machine.ClaimFees(ctx, collaborationID, agentID)
}

// FailCollaboration 响应外部超时/撤出信号，显式标记失败。
func (s *Service) FailCollaboration(ctx context.Context, collaborationID, reason string) error {
	if s.machine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "状态机未初始化")
	}
	return s.machine.MarkFailed(ctx, collaborationID, reason)
}

// Stats 返回协作体的聚合统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
