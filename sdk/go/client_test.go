package dealflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMoveDealSendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v0/deals/d%201/transitions" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		if got := r.Header.Get("X-Api-Key"); got != "k" {
			t.Errorf("api key header %q", got)
		}
		var body MoveRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToStage != "screening" {
			t.Errorf("body %+v %v", body, err)
		}
		_ = json.NewEncoder(w).Encode(Transition{TransitionID: "t1", DealID: "d 1", FromStage: "sourcing", ToStage: "screening", Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	res, err := c.MoveDeal(context.Background(), "d 1", MoveRequest{ToStage: "screening"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.TransitionID != "t1" || res.Status != "success" {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestRejectedMoveDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"transition_not_allowed","message":"rejected","details":{"errors":["Required field 'account_id' is missing for stage 'screening'"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.MoveDeal(context.Background(), "d1", MoveRequest{ToStage: "screening"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "transition_not_allowed" {
		t.Fatalf("unexpected %+v", apiErr)
	}
	if r := apiErr.Rejections(); len(r) != 1 {
		t.Fatalf("rejections %v", r)
	}
}

func TestStatsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/stats" || r.URL.Query().Get("stage") != "closing" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"total_deals":3,"alert_summary":{"warning":1},"average_time_by_stage":{"closing":{"deal_count":3,"average_days":4.5,"median_days":4}}}`))
	}))
	defer srv.Close()

	stats, err := New(srv.URL).Stats(context.Background(), "closing", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDeals != 3 || stats.Durations["closing"].Average != 4.5 {
		t.Fatalf("unexpected %+v", stats)
	}
}
