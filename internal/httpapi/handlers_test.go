package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"rumord.dev/internal/stream"
	"rumord.dev/internal/trust"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func identity(n int) string { return fmt.Sprintf("%064x", n) }

func newTestServer(t *testing.T, svc Service, rp ReadyProbe) *apiClient {
	t.Helper()
	api := New(svc, rp, "test", stream.New())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	store := trust.NewMemoryStore()
	engine := trust.NewEngine(store, trust.WithClock(clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))))
	return newTestServer(t, engine, ReadyProbe{Store: store})
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, nil)
}

func (c *apiClient) get(path string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, nil)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, code int, kind trust.Kind) map[string]any {
	t.Helper()
	if resp.StatusCode != code {
		t.Fatalf("expected status %d, got %d", code, resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if kind != "" && body["kind"] != string(kind) {
		t.Fatalf("expected kind %q, got %v", kind, body["kind"])
	}
	return body
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func (c *apiClient) submit(id int, confidence float64) string {
	c.t.Helper()
	resp := c.post("/rumors", map[string]any{
		"content":          "the library closes early on fridays",
		"identity":         identity(id),
		"confidenceWeight": confidence,
	})
	body := expectStatus(c.t, resp, http.StatusCreated, "")
	if resp.Header.Get("Location") != "/rumors/"+body["id"].(string) {
		c.t.Fatalf("unexpected Location %q", resp.Header.Get("Location"))
	}
	return body["id"].(string)
}

func TestSubmitThenVoteScenario(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/rumors", map[string]any{
		"content":          "exam moved to monday",
		"identity":         identity(1),
		"confidenceWeight": 0.5,
	})
	rumor := expectStatus(t, resp, http.StatusCreated, "")
	if !near(rumor["trust_score"].(float64), 0.05) {
		t.Fatalf("unexpected initial trust score: %v", rumor["trust_score"])
	}
	if rumor["status"] != "ACTIVE" {
		t.Fatalf("unexpected status: %v", rumor["status"])
	}

	resp = api.post("/vote", map[string]any{
		"rumorId":          rumor["id"],
		"identity":         identity(2),
		"voteType":         "verify",
		"confidenceWeight": 1.0,
	})
	vote := expectStatus(t, resp, http.StatusOK, "")
	if !near(vote["trust_score"].(float64), 0.15) {
		t.Fatalf("unexpected trust score: %v", vote["trust_score"])
	}
	if vote["verify_count"].(float64) != 1 || vote["dispute_count"].(float64) != 0 {
		t.Fatalf("unexpected counts: %v", vote)
	}
	if !near(vote["credibility"].(float64), 0.1) {
		t.Fatalf("unexpected credibility: %v", vote["credibility"])
	}

	resp = api.get("/rumors/" + rumor["id"].(string))
	got := expectStatus(t, resp, http.StatusOK, "")
	if !near(got["trust_score"].(float64), 0.15) {
		t.Fatalf("stored trust score not updated: %v", got["trust_score"])
	}
}

func TestVoteRejections(t *testing.T) {
	api := newTestAPI(t)
	id := api.submit(1, 1)

	vote := func(voter int, voteType string) *http.Response {
		return api.post("/vote", map[string]any{
			"rumorId":          id,
			"identity":         identity(voter),
			"voteType":         voteType,
			"confidenceWeight": 0.8,
		})
	}

	expectStatus(t, vote(1, "verify"), http.StatusForbidden, trust.KindForbidden)
	expectStatus(t, vote(2, "verify"), http.StatusOK, "")
	expectStatus(t, vote(2, "verify"), http.StatusConflict, trust.KindConflict)
	expectStatus(t, vote(2, "dispute"), http.StatusConflict, trust.KindConflict)
	expectStatus(t, vote(3, "maybe"), http.StatusBadRequest, trust.KindValidation)

	resp := api.post("/vote", map[string]any{
		"rumorId":          "01JAAAAAAAAAAAAAAAAAAAAAAA",
		"identity":         identity(3),
		"voteType":         "verify",
		"confidenceWeight": 0.8,
	})
	expectStatus(t, resp, http.StatusNotFound, trust.KindNotFound)
}

func TestRequestValidation(t *testing.T) {
	api := newTestAPI(t)

	cases := map[string]any{
		"unknown field":      map[string]any{"content": "x", "identity": identity(1), "confidenceWeight": 0.5, "extra": 1},
		"blank content":      map[string]any{"content": "   ", "identity": identity(1), "confidenceWeight": 0.5},
		"long content":       map[string]any{"content": strings.Repeat("é", 501), "identity": identity(1), "confidenceWeight": 0.5},
		"short identity":     map[string]any{"content": "x", "identity": "abc", "confidenceWeight": 0.5},
		"non-hex identity":   map[string]any{"content": "x", "identity": strings.Repeat("z", 64), "confidenceWeight": 0.5},
		"0x identity":        map[string]any{"content": "x", "identity": "0x" + strings.Repeat("a", 62), "confidenceWeight": 0.5},
		"low confidence":     map[string]any{"content": "x", "identity": identity(1), "confidenceWeight": 0.05},
		"high confidence":    map[string]any{"content": "x", "identity": identity(1), "confidenceWeight": 1.5},
		"missing confidence": map[string]any{"content": "x", "identity": identity(1)},
		"empty body":         "",
		"trailing data":      `{"content":"x","identity":"` + identity(1) + `","confidenceWeight":0.5} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, api.post("/rumors", body), http.StatusBadRequest, trust.KindValidation)
		})
	}

	// 500 runes is still accepted.
	resp := api.post("/rumors", map[string]any{"content": strings.Repeat("é", 500), "identity": identity(1), "confidenceWeight": 0.5})
	expectStatus(t, resp, http.StatusCreated, "")
}

func TestDeleteFlowAppliesPenalty(t *testing.T) {
	api := newTestAPI(t)
	id := api.submit(1, 1)

	resp := api.post("/delete", map[string]any{"rumorId": id, "identity": identity(2)})
	expectStatus(t, resp, http.StatusForbidden, trust.KindForbidden)

	resp = api.post("/delete", map[string]any{"rumorId": id, "identity": identity(1)})
	body := expectStatus(t, resp, http.StatusOK, "")
	if body["deleted"] != true || body["status"] != "ARCHIVED" {
		t.Fatalf("unexpected delete response: %v", body)
	}

	resp = api.post("/delete", map[string]any{"rumorId": id, "identity": identity(1)})
	expectStatus(t, resp, http.StatusBadRequest, trust.KindValidation)

	resp = api.get("/rumors")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if list := decode[[]map[string]any](t, resp); len(list) != 0 {
		t.Fatalf("deleted rumor still listed: %v", list)
	}
	expectStatus(t, api.get("/rumors/"+id), http.StatusNotFound, trust.KindNotFound)

	cred := expectStatus(t, api.get("/credibility/"+identity(1)), http.StatusOK, "")
	if !near(cred["credibility"].(float64), 0.05) {
		t.Fatalf("expected penalised credibility 0.05, got %v", cred["credibility"])
	}
}

func TestCredibilityLookup(t *testing.T) {
	api := newTestAPI(t)

	cred := expectStatus(t, api.get("/credibility/"+identity(9)), http.StatusOK, "")
	if !near(cred["credibility"].(float64), 0.1) {
		t.Fatalf("unexpected initial credibility: %v", cred["credibility"])
	}
	if cred["total_votes"].(float64) != 0 || cred["alignment_rate"].(float64) != 0 {
		t.Fatalf("unexpected counters: %v", cred)
	}

	expectStatus(t, api.get("/credibility/not-a-token"), http.StatusBadRequest, trust.KindValidation)
	expectStatus(t, api.get("/credibility/0x"+strings.Repeat("a", 62)), http.StatusBadRequest, trust.KindValidation)
}

func TestIdentityTokenShape(t *testing.T) {
	cases := map[string]bool{
		strings.Repeat("a", 64):        true,
		strings.Repeat("A", 64):        true,
		"0x" + strings.Repeat("a", 62): false,
		"0X" + strings.Repeat("a", 62): false,
		strings.Repeat("a", 63):        false,
		strings.Repeat("a", 65):        false,
		"":                             false,
	}
	for token, want := range cases {
		if got := validIdentity(token); got != want {
			t.Fatalf("validIdentity(%q) = %v, want %v", token, got, want)
		}
		err := validate.Struct(voteRequest{RumorID: "r1", Identity: token, VoteType: "verify", Confidence: 0.5})
		if (err == nil) != want {
			t.Fatalf("voteRequest with identity %q: err=%v", token, err)
		}
	}
}

func TestListingReturnsArray(t *testing.T) {
	api := newTestAPI(t)
	first := api.submit(1, 1)
	second := api.submit(2, 1)

	resp := api.get("/rumors")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	list := decode[[]map[string]any](t, resp)
	if len(list) != 2 {
		t.Fatalf("expected 2 rumors, got %d", len(list))
	}
	// Same timestamp under the fake clock: newer ids sort first.
	if list[0]["id"] != second || list[1]["id"] != first {
		t.Fatalf("unexpected order: %v", list)
	}
	for _, key := range []string{"id", "content", "timestamp", "verify_count", "dispute_count", "trust_score", "status", "submitter_hash"} {
		if _, ok := list[0][key]; !ok {
			t.Fatalf("missing key %q in listing", key)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodDelete, "/rumors", nil, nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed, "")
	if resp.Header.Get("Allow") != "GET, POST" {
		t.Fatalf("unexpected Allow header: %q", resp.Header.Get("Allow"))
	}
	expectStatus(t, api.get("/vote"), http.StatusMethodNotAllowed, "")
}

func TestErrorBodyCarriesRequestID(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/rumors/missing", nil, map[string]string{"X-Request-ID": "req-42"})
	body := expectStatus(t, resp, http.StatusNotFound, trust.KindNotFound)
	if body["request_id"] != "req-42" {
		t.Fatalf("unexpected request id: %v", body["request_id"])
	}
	if resp.Header.Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not echoed")
	}
}

type failingService struct{ Service }

func (failingService) ListRumors(context.Context) (trust.Listing, error) {
	return trust.Listing{}, errors.New("persist snapshot: disk full")
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("store unreachable") }

func TestStorageFailureIsInternal(t *testing.T) {
	api := newTestServer(t, failingService{}, ReadyProbe{})

	body := expectStatus(t, api.get("/rumors"), http.StatusInternalServerError, trust.KindInternal)
	if body["error"] != "internal error" {
		t.Fatalf("internal detail leaked: %v", body["error"])
	}
}

func TestReadiness(t *testing.T) {
	api := newTestServer(t, failingService{}, ReadyProbe{Store: failingPinger{}})
	resp := api.get("/readyz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	ok := newTestAPI(t)
	resp = ok.get("/readyz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("missing stream preamble: %q %v", line, err)
	}

	id := api.submit(1, 1)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.RumorEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != stream.KindSubmitted || evt.RumorID != id {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
}
