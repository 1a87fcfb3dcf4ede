package quorumlaunch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the QuorumLaunch REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// CollaborationRequest represents the payload required to register a new
// collaboration intent.
type CollaborationRequest struct {
	QuorumID string         `json:"quorum_id"`
	AgentIDs []string       `json:"agent_ids"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TokenInfo describes the launched token identity.
type TokenInfo struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// Collaboration is the API view of a collaboration. Monetary fields are
// decimal wei strings to preserve precision.
type Collaboration struct {
	ID               string         `json:"id"`
	QuorumID         string         `json:"quorum_id"`
	AgentIDs         []string       `json:"agent_ids"`
	Status           string         `json:"status"`
	RequiredVotes    int            `json:"required_votes"`
	VotesReceived    int            `json:"votes_received"`
	Token            *TokenInfo     `json:"token,omitempty"`
	SupplySold       string         `json:"supply_sold"`
	TotalRaised      string         `json:"total_raised"`
	LiquidityReserve string         `json:"liquidity_reserve"`
	AgentFeeAccrued  string         `json:"agent_fee_accrued"`
	FeesClaimed      string         `json:"fees_claimed"`
	MarketCap        string         `json:"market_cap"`
	Graduated        bool           `json:"graduated"`
	GraduatedAt      int64          `json:"graduated_at,omitempty"`
	Halted           bool           `json:"halted"`
	HaltReason       string         `json:"halt_reason,omitempty"`
	FailReason       string         `json:"fail_reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Version          uint64         `json:"version"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// Vote is a recorded participant vote.
type Vote struct {
	ID              string `json:"id"`
	CollaborationID string `json:"collaboration_id"`
	AgentID         string `json:"agent_id"`
	TxHash          string `json:"tx_hash"`
	CreatedAt       int64  `json:"created_at"`
}

// FeeClaim is a recorded fee payout.
type FeeClaim struct {
	ID              string `json:"id"`
	CollaborationID string `json:"collaboration_id"`
	AgentID         string `json:"agent_id"`
	Amount          string `json:"amount"`
	CreatedAt       int64  `json:"created_at"`
}

// Stats aggregates collaboration counters.
type Stats struct {
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

// ListQuery filters collaboration listings.
type ListQuery struct {
	Limit     int
	Offset    int
	Statuses  []string
	Graduated *bool
	Ascending bool
}

func (q ListQuery) encode() string {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Graduated != nil {
		values.Set("graduated", strconv.FormatBool(*q.Graduated))
	}
	if q.Ascending {
		values.Set("order", "asc")
	}
	return values.Encode()
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("quorumlaunch api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("quorumlaunch api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the QuorumLaunch API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// CreateCollaboration registers a new collaboration intent.
func (c *Client) CreateCollaboration(ctx context.Context, req CollaborationRequest) (Collaboration, error) {
	var out Collaboration
	if err := c.post(ctx, "/api/v1/collaborations", req, &out); err != nil {
		return Collaboration{}, err
	}
	return out, nil
}

// GetCollaboration fetches a collaboration by its identifier.
func (c *Client) GetCollaboration(ctx context.Context, id string) (Collaboration, error) {
	var out Collaboration
	if err := c.get(ctx, "/api/v1/collaborations/"+url.PathEscape(id), &out); err != nil {
		return Collaboration{}, err
	}
	return out, nil
}

// GetCollaborationByQuorumID fetches a collaboration by the external quorum id.
func (c *Client) GetCollaborationByQuorumID(ctx context.Context, quorumID string) (Collaboration, error) {
	var out Collaboration
	if err := c.get(ctx, "/api/v1/quorums/"+url.PathEscape(quorumID), &out); err != nil {
		return Collaboration{}, err
	}
	return out, nil
}

// ListCollaborations returns collaborations matching the query.
func (c *Client) ListCollaborations(ctx context.Context, query ListQuery) ([]Collaboration, error) {
	endpoint := "/api/v1/collaborations"
	if encoded := query.encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out []Collaboration
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAgentCollaborations returns collaborations an agent participates in.
func (c *Client) ListAgentCollaborations(ctx context.Context, agentID string, query ListQuery) ([]Collaboration, error) {
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/collaborations"
	if encoded := query.encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out []Collaboration
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListVotes returns the recorded votes for a collaboration.
func (c *Client) ListVotes(ctx context.Context, id string) ([]Vote, error) {
	var out []Vote
	if err := c.get(ctx, "/api/v1/collaborations/"+url.PathEscape(id)+"/votes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFeeClaims returns the fee payout history for a collaboration.
func (c *Client) ListFeeClaims(ctx context.Context, id string) ([]FeeClaim, error) {
	var out []FeeClaim
	if err := c.get(ctx, "/api/v1/collaborations/"+url.PathEscape(id)+"/claims", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimFees claims the caller's share of the unclaimed agent fee balance.
func (c *Client) ClaimFees(ctx context.Context, id, agentID string) (FeeClaim, error) {
	payload := struct {
		AgentID string `json:"agent_id"`
	}{AgentID: agentID}
	var out FeeClaim
	if err := c.post(ctx, "/api/v1/collaborations/"+url.PathEscape(id)+"/claims", payload, &out); err != nil {
		return FeeClaim{}, err
	}
	return out, nil
}

// FailCollaboration marks a collaboration failed with the supplied reason.
func (c *Client) FailCollaboration(ctx context.Context, id, reason string) error {
	payload := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	return c.post(ctx, "/api/v1/collaborations/"+url.PathEscape(id)+"/fail", payload, nil)
}

// GetStats returns aggregate collaboration statistics.
func (c *Client) GetStats(ctx context.Context, query ListQuery) (Stats, error) {
	endpoint := "/api/v1/collaborations/stats"
	if encoded := query.encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out Stats
	if err := c.get(ctx, endpoint, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := strings.SplitN(endpoint, "?", 2)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts[0])}
	if len(parts) == 2 {
		rel.RawQuery = parts[1]
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
