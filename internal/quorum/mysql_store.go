package quorum

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "QuorumLaunch/internal/errors"
)

// MySQLConfig 定义账本的 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLStore 使用 MySQL 持久化账本。协作体写回与幂等键记录在同一个
// 事务内完成，崩溃恢复后不会出现"状态已改但检查点未写"的半应用状态。
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// 重复键错误码，对应唯一索引冲突。
const mysqlErrDuplicateEntry = 1062

// NewSQLStore 创建连接池、跑迁移并返回账本实例。
func NewSQLStore(ctx context.Context, cfg MySQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &SQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}

// CreateCollaboration 写入一个新的协作体。quorum_id 唯一索引保证
// 同一外部 quorum 不会被登记两次。
func (s *SQLStore) CreateCollaboration(ctx context.Context, c *Collaboration) error {
	c.normalizeAmounts()

	agentIDs, err := json.Marshal(c.AgentIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化参与者列表失败")
	}
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	tokenAddress, tokenName, tokenSymbol := tokenColumns(c.Token)

	const stmt = `INSERT INTO collaborations
        (id, quorum_id, agent_ids, status, required_votes, votes_received,
         token_address, token_name, token_symbol,
         supply_sold, total_raised, liquidity_reserve, agent_fee_accrued, fees_claimed, market_cap,
         graduated, graduated_at, halted, halt_reason, fail_reason,
         metadata, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		c.ID, c.QuorumID, string(agentIDs), string(c.Status), c.RequiredVotes, c.VotesReceived,
		tokenAddress, tokenName, tokenSymbol,
		c.SupplySold.String(), c.TotalRaised.String(), c.LiquidityReserve.String(),
		c.AgentFeeAccrued.String(), c.FeesClaimed.String(), c.MarketCap.String(),
		c.Graduated, c.GraduatedAt, c.Halted, c.HaltReason, c.FailReason,
		metadata, c.Version, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入协作体失败")
	}
	return nil
}

// GetCollaboration 按主键查询协作体。
func (s *SQLStore) GetCollaboration(ctx context.Context, id string) (*Collaboration, error) {
	return s.getCollaborationWhere(ctx, "id = ?", id)
}

// GetCollaborationByQuorumID 按外部 quorum 标识查询协作体。
func (s *SQLStore) GetCollaborationByQuorumID(ctx context.Context, quorumID string) (*Collaboration, error) {
	return s.getCollaborationWhere(ctx, "quorum_id = ?", quorumID)
}

const collaborationColumns = `id, quorum_id, agent_ids, status, required_votes, votes_received,
        token_address, token_name, token_symbol,
        supply_sold, total_raised, liquidity_reserve, agent_fee_accrued, fees_claimed, market_cap,
        graduated, graduated_at, halted, halt_reason, fail_reason,
        metadata, version, created_at, updated_at`

func (s *SQLStore) getCollaborationWhere(ctx context.Context, where string, arg any) (*Collaboration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collaborationColumns+` FROM collaborations WHERE `+where, arg)
	c, err := scanCollaboration(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// UpdateCollaboration 以版本检查写回协作体；appliedEventID 非空时在
// 同一事务内记录幂等键。版本不匹配返回 ErrStaleVersion。
func (s *SQLStore) UpdateCollaboration(ctx context.Context, c *Collaboration, expectedVersion uint64, appliedEventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启账本事务失败")
	}

	now := time.Now().Unix()
	if err := s.writeCollaborationTx(ctx, tx, c, expectedVersion, now); err != nil {
		tx.Rollback()
		return err
	}

	if appliedEventID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO applied_events (event_id, applied_at) VALUES (?, ?)
             ON DUPLICATE KEY UPDATE applied_at = applied_at`,
			appliedEventID, now,
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录事件检查点失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交账本事务失败")
	}

	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

// writeCollaborationTx 在既有事务内执行带版本检查的协作体 UPDATE。
// 影响行数为零时区分记录缺失与版本过期。
func (s *SQLStore) writeCollaborationTx(ctx context.Context, tx *sql.Tx, c *Collaboration, expectedVersion uint64, now int64) error {
	c.normalizeAmounts()

	agentIDs, err := json.Marshal(c.AgentIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化参与者列表失败")
	}
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	tokenAddress, tokenName, tokenSymbol := tokenColumns(c.Token)

	const stmt = `UPDATE collaborations SET
        agent_ids = ?, status = ?, required_votes = ?, votes_received = ?,
        token_address = ?, token_name = ?, token_symbol = ?,
        supply_sold = ?, total_raised = ?, liquidity_reserve = ?, agent_fee_accrued = ?, fees_claimed = ?, market_cap = ?,
        graduated = ?, graduated_at = ?, halted = ?, halt_reason = ?, fail_reason = ?,
        metadata = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`

	result, err := tx.ExecContext(ctx, stmt,
		string(agentIDs), string(c.Status), c.RequiredVotes, c.VotesReceived,
		tokenAddress, tokenName, tokenSymbol,
		c.SupplySold.String(), c.TotalRaised.String(), c.LiquidityReserve.String(),
		c.AgentFeeAccrued.String(), c.FeesClaimed.String(), c.MarketCap.String(),
		c.Graduated, c.GraduatedAt, c.Halted, c.HaltReason, c.FailReason,
		metadata, now,
		c.ID, expectedVersion,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回协作体失败")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取写回结果失败")
	}
	if affected == 0 {
		exists, err := s.collaborationExists(ctx, c.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleVersion
	}
	return nil
}

func (s *SQLStore) collaborationExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM collaborations WHERE id = ?`, id).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协作体失败")
	}
	return true, nil
}

// ListCollaborations 按过滤条件查询协作体。
func (s *SQLStore) ListCollaborations(ctx context.Context, opts ListOptions) ([]*Collaboration, error) {
	opts.applyDefaults()
	where, args := buildCollaborationFilter(opts, "")
	return s.queryCollaborations(ctx, where, args, opts)
}

// ListCollaborationsByAgent 查询智能体参与的全部协作体。
func (s *SQLStore) ListCollaborationsByAgent(ctx context.Context, agentID string, opts ListOptions) ([]*Collaboration, error) {
	opts.applyDefaults()
	where, args := buildCollaborationFilter(opts, agentID)
	return s.queryCollaborations(ctx, where, args, opts)
}

func buildCollaborationFilter(opts ListOptions, agentID string) (string, []any) {
	var clauses []string
	var args []any

	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Statuses)), ", ")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Graduated != nil {
		clauses = append(clauses, "graduated = ?")
		args = append(args, *opts.Graduated)
	}
	if agentID != "" {
		clauses = append(clauses, "JSON_CONTAINS(agent_ids, JSON_QUOTE(?))")
		args = append(args, agentID)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLStore) queryCollaborations(ctx context.Context, where string, args []any, opts ListOptions) ([]*Collaboration, error) {
	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query := `SELECT ` + collaborationColumns + ` FROM collaborations` + where + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协作体失败")
	}
	defer rows.Close()

	var results []*Collaboration
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历协作体失败")
	}
	return results, nil
}

// Stats 聚合匹配过滤条件的协作体统计。金额求和在 Go 侧完成，
// 避免 SQL 数值类型截断大整数。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	where, args := buildCollaborationFilter(opts, "")

	query := `SELECT status, graduated, halted, total_raised, updated_at FROM collaborations` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计协作体失败")
	}
	defer rows.Close()

	stats := Stats{TotalRaised: new(big.Int)}
	for rows.Next() {
		var (
			status    string
			graduated bool
			halted    bool
			raised    string
			updatedAt int64
		)
		if err := rows.Scan(&status, &graduated, &halted, &raised, &updatedAt); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计行失败")
		}
		stats.Total++
		switch Status(status) {
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
		if graduated {
			stats.Graduated++
		}
		if halted {
			stats.Halted++
		}
		if amount, ok := new(big.Int).SetString(raised, 10); ok {
			stats.TotalRaised.Add(stats.TotalRaised, amount)
		}
		if stats.OldestUpdatedAt == 0 || updatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = updatedAt
		}
		if updatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计行失败")
	}
	return stats, nil
}

// CreateVote 写入一条投票。(collaboration_id, agent_id) 与 tx_hash
// 两个唯一索引分别兜住重复投票与重放交易。
func (s *SQLStore) CreateVote(ctx context.Context, v *Vote) error {
	const stmt = `INSERT INTO votes (id, collaboration_id, agent_id, tx_hash, created_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, v.ID, v.CollaborationID, v.AgentID, v.TxHash, v.CreatedAt); err != nil {
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入投票失败")
	}
	return nil
}

// GetVoteByAgent 查询某个参与者在协作体上的投票。
func (s *SQLStore) GetVoteByAgent(ctx context.Context, collaborationID, agentID string) (*Vote, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, collaboration_id, agent_id, tx_hash, created_at FROM votes
         WHERE collaboration_id = ? AND agent_id = ?`, collaborationID, agentID)
	return scanVote(row)
}

// GetVoteByTxHash 按交易哈希查询投票。
func (s *SQLStore) GetVoteByTxHash(ctx context.Context, txHash string) (*Vote, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, collaboration_id, agent_id, tx_hash, created_at FROM votes
         WHERE tx_hash = ?`, txHash)
	return scanVote(row)
}

// ListVotes 返回协作体的全部投票，按时间先后排列。
func (s *SQLStore) ListVotes(ctx context.Context, collaborationID string) ([]*Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collaboration_id, agent_id, tx_hash, created_at FROM votes
         WHERE collaboration_id = ? ORDER BY created_at ASC, id ASC`, collaborationID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投票失败")
	}
	defer rows.Close()

	var votes []*Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.CollaborationID, &v.AgentID, &v.TxHash, &v.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投票失败")
		}
		votes = append(votes, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投票失败")
	}
	return votes, nil
}

// CreateFeeClaim 写入一次分成支付记录。
func (s *SQLStore) CreateFeeClaim(ctx context.Context, claim *FeeClaim) error {
	amount := "0"
	if claim.Amount != nil {
		amount = claim.Amount.String()
	}
	const stmt = `INSERT INTO fee_claims (id, collaboration_id, agent_id, amount, created_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, claim.ID, claim.CollaborationID, claim.AgentID, amount, claim.CreatedAt); err != nil {
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入分成记录失败")
	}
	return nil
}

// SettleFeeClaim 在一个事务内写回余额并落盘分成记录。任一失败整体回滚，
// 不会出现"余额已扣、记录缺失"的半提交状态。
func (s *SQLStore) SettleFeeClaim(ctx context.Context, c *Collaboration, expectedVersion uint64, claim *FeeClaim) error {
	if claim == nil || claim.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "fee claim 不能为空")
	}
	amount := "0"
	if claim.Amount != nil {
		amount = claim.Amount.String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启账本事务失败")
	}

	now := time.Now().Unix()
	if err := s.writeCollaborationTx(ctx, tx, c, expectedVersion, now); err != nil {
		tx.Rollback()
		return err
	}

	if claim.CreatedAt == 0 {
		claim.CreatedAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fee_claims (id, collaboration_id, agent_id, amount, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		claim.ID, claim.CollaborationID, claim.AgentID, amount, claim.CreatedAt,
	); err != nil {
		tx.Rollback()
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入分成记录失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交账本事务失败")
	}

	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

// ListFeeClaims 返回协作体的全部分成支付记录。
func (s *SQLStore) ListFeeClaims(ctx context.Context, collaborationID string) ([]*FeeClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collaboration_id, agent_id, amount, created_at FROM fee_claims
         WHERE collaboration_id = ? ORDER BY created_at ASC, id ASC`, collaborationID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分成记录失败")
	}
	defer rows.Close()

	var claims []*FeeClaim
	for rows.Next() {
		var (
			claim  FeeClaim
			amount string
		)
		if err := rows.Scan(&claim.ID, &claim.CollaborationID, &claim.AgentID, &amount, &claim.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析分成记录失败")
		}
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("分成金额不是合法整数: %s", amount))
		}
		claim.Amount = value
		claims = append(claims, &claim)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历分成记录失败")
	}
	return claims, nil
}

// EventApplied 判断幂等键是否已经应用。
func (s *SQLStore) EventApplied(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM applied_events WHERE event_id = ?`, eventID).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件检查点失败")
	}
	return true, nil
}

// MarkEventApplied 记录一个不带协作体写回的幂等键。
func (s *SQLStore) MarkEventApplied(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO applied_events (event_id, applied_at) VALUES (?, ?)
         ON DUPLICATE KEY UPDATE applied_at = applied_at`,
		eventID, time.Now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录事件检查点失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollaboration(row rowScanner) (*Collaboration, error) {
	var (
		c            Collaboration
		agentIDs     string
		status       string
		tokenAddress sql.NullString
		tokenName    sql.NullString
		tokenSymbol  sql.NullString
		amounts      [6]string
		metadata     sql.NullString
	)
	if err := row.Scan(
		&c.ID, &c.QuorumID, &agentIDs, &status, &c.RequiredVotes, &c.VotesReceived,
		&tokenAddress, &tokenName, &tokenSymbol,
		&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &amounts[5],
		&c.Graduated, &c.GraduatedAt, &c.Halted, &c.HaltReason, &c.FailReason,
		&metadata, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协作体失败")
	}

	c.Status = Status(status)
	if err := json.Unmarshal([]byte(agentIDs), &c.AgentIDs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析参与者列表失败")
	}
	if tokenAddress.Valid && tokenAddress.String != "" {
		c.Token = &TokenInfo{
			Address: tokenAddress.String,
			Name:    tokenName.String,
			Symbol:  tokenSymbol.String,
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协作体元数据失败")
		}
	}

	targets := []**big.Int{&c.SupplySold, &c.TotalRaised, &c.LiquidityReserve, &c.AgentFeeAccrued, &c.FeesClaimed, &c.MarketCap}
	for i, raw := range amounts {
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("金额字段不是合法整数: %s", raw))
		}
		*targets[i] = value
	}
	return &c, nil
}

func scanVote(row *sql.Row) (*Vote, error) {
	var v Vote
	if err := row.Scan(&v.ID, &v.CollaborationID, &v.AgentID, &v.TxHash, &v.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投票失败")
	}
	return &v, nil
}

func tokenColumns(token *TokenInfo) (sql.NullString, sql.NullString, sql.NullString) {
	if token == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: token.Address, Valid: true},
		sql.NullString{String: token.Name, Valid: true},
		sql.NullString{String: token.Symbol, Valid: true}
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化协作体元数据失败")
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}
