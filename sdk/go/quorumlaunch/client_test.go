package quorumlaunch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateCollaboration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/collaborations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req CollaborationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.QuorumID != "quorum-1" {
			t.Fatalf("unexpected quorum id: %s", req.QuorumID)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Collaboration{
			ID:            "collab-1",
			QuorumID:      req.QuorumID,
			AgentIDs:      req.AgentIDs,
			Status:        "pending",
			RequiredVotes: len(req.AgentIDs),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	created, err := client.CreateCollaboration(context.Background(), CollaborationRequest{
		QuorumID: "quorum-1",
		AgentIDs: []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("create collaboration: %v", err)
	}
	if created.ID != "collab-1" {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.RequiredVotes != 3 {
		t.Fatalf("unexpected required votes %d", created.RequiredVotes)
	}
}

func TestListCollaborationsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/collaborations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("status") != "active,completed" {
			t.Fatalf("unexpected status filter: %s", query.Get("status"))
		}
		if query.Get("limit") != "5" {
			t.Fatalf("unexpected limit: %s", query.Get("limit"))
		}
		if query.Get("graduated") != "true" {
			t.Fatalf("unexpected graduated filter: %s", query.Get("graduated"))
		}
		_ = json.NewEncoder(w).Encode([]Collaboration{{ID: "collab-1", Status: "active"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	graduated := true
	results, err := client.ListCollaborations(context.Background(), ListQuery{
		Limit:     5,
		Statuses:  []string{"active", "completed"},
		Graduated: &graduated,
	})
	if err != nil {
		t.Fatalf("list collaborations: %v", err)
	}
	if len(results) != 1 || results[0].ID != "collab-1" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestClaimFeesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/collaborations/collab-1/claims" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "NOTHING_TO_CLAIM", Message: "no unclaimed fee balance"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.ClaimFees(context.Background(), "collab-1", "agent-1")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "NOTHING_TO_CLAIM" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}
