package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	base := envOr("RUMORD_SMOKE_URL", "http://localhost:8080")
	grpcAddr := envOr("RUMORD_SMOKE_GRPC_ADDR", "localhost:9090")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcAddr != "-" {
		checkHealth(ctx, grpcAddr)
	}

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	submitter, voter := newIdentity(), newIdentity()

	var rumor struct {
		ID         string  `json:"id"`
		TrustScore float64 `json:"trust_score"`
	}
	c.call(ctx, http.MethodPost, "/rumors", map[string]any{
		"content":          fmt.Sprintf("smoke rumor %d", time.Now().UnixNano()),
		"identity":         submitter,
		"confidenceWeight": 0.5,
	}, http.StatusCreated, &rumor)
	expect("initial trust score", rumor.TrustScore, 0.05)

	var vote struct {
		TrustScore  float64 `json:"trust_score"`
		VerifyCount int     `json:"verify_count"`
	}
	c.call(ctx, http.MethodPost, "/vote", map[string]any{
		"rumorId":          rumor.ID,
		"identity":         voter,
		"voteType":         "verify",
		"confidenceWeight": 1.0,
	}, http.StatusOK, &vote)
	expect("trust score after vote", vote.TrustScore, 0.15)
	if vote.VerifyCount != 1 {
		log.Fatalf("unexpected verify count %d", vote.VerifyCount)
	}

	c.call(ctx, http.MethodPost, "/vote", map[string]any{
		"rumorId":          rumor.ID,
		"identity":         voter,
		"voteType":         "dispute",
		"confidenceWeight": 1.0,
	}, http.StatusConflict, nil)

	var list []struct {
		ID string `json:"id"`
	}
	c.call(ctx, http.MethodGet, "/rumors", nil, http.StatusOK, &list)
	found := false
	for _, r := range list {
		found = found || r.ID == rumor.ID
	}
	if !found {
		log.Fatalf("rumor %s missing from listing", rumor.ID)
	}

	c.call(ctx, http.MethodPost, "/delete", map[string]any{"rumorId": rumor.ID, "identity": submitter}, http.StatusOK, nil)

	var cred struct {
		Credibility float64 `json:"credibility"`
	}
	c.call(ctx, http.MethodGet, "/credibility/"+submitter, nil, http.StatusOK, &cred)
	expect("submitter credibility after delete", cred.Credibility, 0.05)

	fmt.Printf("✅ rumord smoke test passed: rumor=%s\n", rumor.ID)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path string, body any, want int, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode %s: %v", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("%s %s: expected %d, got %d: %v", method, path, want, resp.StatusCode, e)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}

func checkHealth(ctx context.Context, addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("health check %s: %v", addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("service not serving: %v", resp.GetStatus())
	}
}

func newIdentity() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("identity: %v", err)
	}
	return hex.EncodeToString(b)
}

func expect(what string, got, want float64) {
	if math.Abs(got-want) > 1e-9 {
		log.Fatalf("%s: expected %.4f, got %.4f", what, want, got)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
