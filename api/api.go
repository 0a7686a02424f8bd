// Package api exposes the job pipeline and workspace presence over
// HTTP. All job routes are scoped to the authenticated owner; a job
// belonging to someone else is indistinguishable from a missing one.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/node"
	"github.com/workroom-io/workroom/ws"
)

// API serves the HTTP surface of a node.
type API struct {
	node   *node.Node
	auth   ws.Authenticator
	logger *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithAuth sets the token authenticator. Defaults to
// ws.NoopAuthenticator, which treats any non-empty token as a user id.
func WithAuth(a ws.Authenticator) Option {
	return func(api *API) { api.auth = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// New creates an API over a node.
func New(n *node.Node, opts ...Option) *API {
	a := &API{
		node:   n,
		auth:   &ws.NoopAuthenticator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", a.authed(a.submitJob))
	mux.HandleFunc("GET /v1/jobs", a.authed(a.listJobs))
	mux.HandleFunc("GET /v1/jobs/{jobID}", a.authed(a.getJob))
	mux.HandleFunc("POST /v1/jobs/{jobID}/cancel", a.authed(a.cancelJob))
	mux.HandleFunc("GET /v1/jobs/{jobID}/result", a.authed(a.jobResult))
	mux.HandleFunc("GET /v1/workspaces/{workspaceID}/presence", a.authed(a.presence))
	return mux
}

// handlerFunc is an owner-scoped route handler.
type handlerFunc func(w http.ResponseWriter, r *http.Request, identity *ws.Identity)

// authed resolves the caller's identity from the bearer token before
// invoking the handler.
func (a *API) authed(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		h(w, r, identity)
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorResponse{Error: msg})
}

// storeError maps domain errors onto HTTP replies.
func (a *API) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workroom.ErrJobNotFound):
		a.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, workroom.ErrResultNotFound):
		a.writeError(w, http.StatusNotFound, "result not available")
	case errors.Is(err, workroom.ErrInvalidTransition):
		a.writeError(w, http.StatusConflict, "job already completed")
	case errors.Is(err, workroom.ErrThrottled):
		a.throttled(w, err)
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// throttled replies 429 with Retry-After and rate-limit headers.
func (a *API) throttled(w http.ResponseWriter, err error) {
	var te *node.ThrottledError
	if errors.As(err, &te) {
		secs := int64(te.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(te.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
	}
	a.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
