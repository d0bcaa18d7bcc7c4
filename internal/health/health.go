// Package health serves the liveness and readiness endpoints of the local
// telemetry endpoint.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// [Checker] concurrently and answers 200 only when all pass; voxlink is ready
// while a session with the assistant service is open and the journal answers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 3 * time.Second

// Checker is one named readiness check.
type Checker struct {
	// Name keys the check in the /readyz body (e.g. "session", "journal").
	Name string

	// Check returns nil when healthy. It must honour ctx.
	Check func(ctx context.Context) error

	// Detail optionally describes the current state for the response body.
	Detail func() string
}

type checkResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	TookMS int64  `json:"took_ms"`
}

type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] over a copy of checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs the checkers concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			results[i] = run(r.Context(), c)
			return nil
		})
	}
	_ = g.Wait()

	res := response{Status: "ok", Checks: make(map[string]checkResult, len(results))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

func run(ctx context.Context, c Checker) checkResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := checkResult{Status: "ok", TookMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail: " + err.Error()
		slog.Debug("health: readiness check failed", "check", c.Name, "err", err)
	}
	if c.Detail != nil {
		res.Detail = c.Detail()
	}
	return res
}

// ErrNoSession is reported by the [Session] checker while no session is open.
var ErrNoSession = errors.New("no open session")

// Session returns the "session" checker. info reports the open session's id
// and start time; an empty id means no session is open.
func Session(info func() (id string, since time.Time)) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if id, _ := info(); id == "" {
				return ErrNoSession
			}
			return nil
		},
		Detail: func() string {
			id, since := info()
			if id == "" {
				return ""
			}
			return fmt.Sprintf("%s open for %s", id, time.Since(since).Round(time.Second))
		},
	}
}

// Pinger is implemented by stores that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker named name that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
