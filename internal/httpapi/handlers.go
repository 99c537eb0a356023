package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"rumord.dev/internal/obs"
	"rumord.dev/internal/stream"
	"rumord.dev/internal/trust"
)

const serviceName = "rumord-api"

// Pinger is anything whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a readiness check, typically a store ping.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Service is the engine surface the HTTP layer drives.
type Service interface {
	SubmitRumor(ctx context.Context, req trust.SubmitRequest) (trust.Rumor, error)
	CastVote(ctx context.Context, req trust.VoteRequest) (trust.VoteResult, error)
	DeleteRumor(ctx context.Context, rumorID, identity string) (trust.Rumor, error)
	Rumor(ctx context.Context, id string) (trust.Rumor, error)
	ListRumors(ctx context.Context) (trust.Listing, error)
	Credibility(ctx context.Context, identity string) (trust.Credibility, error)
}

var _ Service = (*trust.Engine)(nil)

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        Service
	readyProbe ReadyProbe
	version    string
	stream     *stream.Stream
	now        func() time.Time
}

func New(svc Service, rp ReadyProbe, version string, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		stream:     st,
		now:        time.Now,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// rumors
	a.mux.HandleFunc("/rumors", a.handleRumorsCollection)
	a.mux.HandleFunc("/rumors/{id}", a.handleRumorResource)
	a.mux.HandleFunc("/vote", a.handleVote)
	a.mux.HandleFunc("/delete", a.handleDelete)
	a.mux.HandleFunc("/credibility/{identity}", a.handleCredibility)
	a.mux.HandleFunc("/events", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, trust.KindNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind trust.Kind, msg string) {
	payload := map[string]any{
		"error": msg,
		"kind":  kind,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleServiceError maps engine errors to status codes in one place.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := trust.KindOf(err)
	switch kind {
	case trust.KindValidation:
		writeError(w, r, http.StatusBadRequest, kind, err.Error())
	case trust.KindNotFound:
		writeError(w, r, http.StatusNotFound, kind, err.Error())
	case trust.KindForbidden:
		writeError(w, r, http.StatusForbidden, kind, err.Error())
	case trust.KindConflict:
		writeError(w, r, http.StatusConflict, kind, err.Error())
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
		writeError(w, r, http.StatusInternalServerError, trust.KindInternal, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, trust.KindValidation, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeAndValidate decodes the body strictly and runs struct validation.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, trust.KindValidation, err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, trust.KindValidation, validationMessage(err))
		return false
	}
	return true
}
