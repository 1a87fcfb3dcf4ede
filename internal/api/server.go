package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "QuorumLaunch/internal/errors"
	"QuorumLaunch/internal/observability/metrics"
	"QuorumLaunch/internal/profile"
	"QuorumLaunch/internal/quorum"
)

// Server 负责暴露 REST 接口，供外部协作方查询协作体与领取分成。
type Server struct {
	addr    string
	service *quorum.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *quorum.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collaborations", s.instrument("collaborations", s.handleCollaborations))
	mux.HandleFunc("/api/v1/collaborations/", s.instrument("collaboration", s.handleCollaboration))
	mux.HandleFunc("/api/v1/quorums/", s.instrument("quorums", s.handleQuorumLookup))
	mux.HandleFunc("/api/v1/agents/", s.instrument("agents", s.handleAgentCollaborations))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCollaborations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req quorum.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	c, err := s.service.CreateCollaboration(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, collaborationView(c))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := parseListOptions(r)
	results, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collaborationViews(results))
}

// handleCollaboration 分发 /api/v1/collaborations/{id}[/votes|/claims|/fail]
// 以及 /api/v1/collaborations/stats。
func (s *Server) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/collaborations/"), "/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if id == "stats" && len(parts) == 1 {
		s.handleStats(w, r)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		c, err := s.service.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, collaborationView(c))
		return
	}

	switch parts[1] {
	case "votes":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		votes, err := s.service.Votes(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, votes)
	case "claims":
		s.handleClaims(w, r, id)
	case "fail":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := s.service.FailCollaboration(r.Context(), id, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		claims, err := s.service.FeeClaims(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, claimViews(claims))
	case http.MethodPost:
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		claim, err := s.service.ClaimFees(r.Context(), id, req.AgentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, claimView(claim))
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.service.Stats(r.Context(), parseListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsView(stats))
}

func (s *Server) handleQuorumLookup(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	quorumID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/quorums/"), "/")
	if quorumID == "" {
		http.NotFound(w, r)
		return
	}
	c, err := s.service.GetByQuorumID(r.Context(), quorumID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collaborationView(c))
}

func (s *Server) handleAgentCollaborations(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/agents/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "collaborations" {
		http.NotFound(w, r)
		return
	}
	results, err := s.service.ListByAgent(r.Context(), parts[0], parseListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collaborationViews(results))
}

func parseListOptions(r *http.Request) []quorum.ListOption {
	var opts []quorum.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, quorum.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, quorum.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []quorum.Status
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, quorum.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, quorum.WithStatuses(statuses...))
	}
	if raw := query.Get("graduated"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, quorum.WithGraduated(parsed))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, quorum.WithSortOrder(quorum.SortByUpdatedAsc))
	}
	return opts
}

// CollaborationView 是对外输出的协作体快照。金额编码为十进制字符串。
type CollaborationView struct {
	ID               string            `json:"id"`
	QuorumID         string            `json:"quorum_id"`
	AgentIDs         []string          `json:"agent_ids"`
	Status           string            `json:"status"`
	RequiredVotes    int               `json:"required_votes"`
	VotesReceived    int               `json:"votes_received"`
	Token            *quorum.TokenInfo `json:"token,omitempty"`
	SupplySold       string            `json:"supply_sold"`
	TotalRaised      string            `json:"total_raised"`
	LiquidityReserve string            `json:"liquidity_reserve"`
	AgentFeeAccrued  string            `json:"agent_fee_accrued"`
	FeesClaimed      string            `json:"fees_claimed"`
	MarketCap        string            `json:"market_cap"`
	Graduated        bool              `json:"graduated"`
	GraduatedAt      int64             `json:"graduated_at,omitempty"`
	Halted           bool              `json:"halted"`
	HaltReason       string            `json:"halt_reason,omitempty"`
	FailReason       string            `json:"fail_reason,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Version          uint64            `json:"version"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

func collaborationView(c *quorum.Collaboration) CollaborationView {
	return CollaborationView{
		ID:               c.ID,
		QuorumID:         c.QuorumID,
		AgentIDs:         c.AgentIDs,
		Status:           string(c.Status),
		RequiredVotes:    c.RequiredVotes,
		VotesReceived:    c.VotesReceived,
		Token:            c.Token,
		SupplySold:       bigString(c.SupplySold),
		TotalRaised:      bigString(c.TotalRaised),
		LiquidityReserve: bigString(c.LiquidityReserve),
		AgentFeeAccrued:  bigString(c.AgentFeeAccrued),
		FeesClaimed:      bigString(c.FeesClaimed),
		MarketCap:        bigString(c.MarketCap),
		Graduated:        c.Graduated,
		GraduatedAt:      c.GraduatedAt,
		Halted:           c.Halted,
		HaltReason:       c.HaltReason,
		FailReason:       c.FailReason,
		Metadata:         c.Metadata,
		Version:          c.Version,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func collaborationViews(cs []*quorum.Collaboration) []CollaborationView {
	views := make([]CollaborationView, 0, len(cs))
	for _, c := range cs {
		views = append(views, collaborationView(c))
	}
	return views
}

// FeeClaimView 是对外输出的分成支付记录。
type FeeClaimView struct {
	ID              string `json:"id"`
	CollaborationID string `json:"collaboration_id"`
	AgentID         string `json:"agent_id"`
	Amount          string `json:"amount"`
	CreatedAt       int64  `json:"created_at"`
}

func claimView(claim *quorum.FeeClaim) FeeClaimView {
	return FeeClaimView{
		ID:              claim.ID,
		CollaborationID: claim.CollaborationID,
		AgentID:         claim.AgentID,
		Amount:          bigString(claim.Amount),
		CreatedAt:       claim.CreatedAt,
	}
}

func claimViews(claims []*quorum.FeeClaim) []FeeClaimView {
	views := make([]FeeClaimView, 0, len(claims))
	for _, claim := range claims {
		views = append(views, claimView(claim))
	}
	return views
}

// StatsView 是对外输出的聚合统计。
type StatsView struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Voting          int    `json:"voting"`
	Active          int    `json:"active"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	Graduated       int    `json:"graduated"`
	Halted          int    `json:"halted"`
	TotalRaised     string `json:"total_raised"`
	OldestUpdatedAt int64  `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64  `json:"newest_updated_at,omitempty"`
}

func statsView(stats quorum.Stats) StatsView {
	return StatsView{
		Total:           stats.Total,
		Pending:         stats.Pending,
		Voting:          stats.Voting,
		Active:          stats.Active,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		Graduated:       stats.Graduated,
		Halted:          stats.Halted,
		TotalRaised:     bigString(stats.TotalRaised),
		OldestUpdatedAt: stats.OldestUpdatedAt,
		NewestUpdatedAt: stats.NewestUpdatedAt,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusForCode(code), errorBody{Error: errorDetail{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case quorum.CodeQuorumNotFound, profile.CodeAgentNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case quorum.CodeQuorumValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case quorum.CodeNotParticipant:
		return http.StatusForbidden
	case quorum.CodeQuorumConflict, quorum.CodeLaunchConflict, quorum.CodeQuorumTerminal,
		quorum.CodeNothingToClaim, xerrors.CodeConflict, xerrors.CodeStaleVersion:
		return http.StatusConflict
	case quorum.CodeQuorumHalted:
		return http.StatusLocked
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
