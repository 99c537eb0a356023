package obs

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"/metrics":            "/metrics",
		"/rumors":             "/rumors",
		"/rumors/01HZX":       "/rumors/:id",
		"/rumors/01HZX?x=1":   "/rumors/:id",
		"/rumors/01HZX/extra": "/rumors/01HZX/extra",
		"/credibility/abc":    "/credibility/:identity",
		"/vote":               "/vote",
		"/events?since=1":     "/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	Init()
	Init()

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/rumors/:id", "404"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rumors/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/rumors/:id", "404"))
	assert.Equal(t, 2.0, after-before)
	assert.Equal(t, 0.0, testutil.ToFloat64(httpInFlight))
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(votesTotal.WithLabelValues("verify"))
	ObserveVote("verify")
	assert.Equal(t, 1.0, testutil.ToFloat64(votesTotal.WithLabelValues("verify"))-before)

	beforeRumors := testutil.ToFloat64(sweptTotal.WithLabelValues("rumor"))
	ObserveSweep(3, 0, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(sweptTotal.WithLabelValues("rumor"))-beforeRumors)
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	LogRequest(slog.String("request_id", "req-1"), slog.Int("status", 201))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request_complete", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.EqualValues(t, 201, entry["status"])
	assert.NotEmpty(t, entry["ts"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()
	defer func() { _ = SetLevel("info") }()

	require.NoError(t, SetLevel("warn"))
	Logger().Info("hidden")
	assert.Zero(t, buf.Len())
	Logger().Warn("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, SetLevel("loud"))
}
