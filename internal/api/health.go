package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool. Wrap a go-redis client in PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type dependency struct {
	name     string
	pinger   Pinger // nil means disabled
	required bool   // a required dependency being down fails readiness
}

type HealthHandler struct {
	deps    []dependency
	env     string
	version string
}

func NewHealthHandler(db, redis Pinger, env, version string) *HealthHandler {
	return &HealthHandler{
		deps: []dependency{
			{name: "postgres", pinger: db, required: true},
			{name: "redis", pinger: redis},
		},
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"` // ok, degraded, error
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"` // ok, down, disabled
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

// Readiness pings every dependency in parallel. Only Postgres is required; a
// Redis outage leaves bookings guarded by the database constraint alone.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	results := make([]string, len(h.deps))
	var wg sync.WaitGroup
	for i, d := range h.deps {
		if d.pinger == nil {
			results[i] = "disabled"
			continue
		}
		wg.Add(1)
		go func(i int, p Pinger) {
			defer wg.Done()
			results[i] = "ok"
			if err := p.Ping(ctx); err != nil {
				results[i] = "down"
			}
		}(i, d.pinger)
	}
	wg.Wait()

	resp := ReadinessResponse{Status: "ok", Version: h.version, Env: h.env, Dependencies: make(map[string]string, len(h.deps))}
	for i, d := range h.deps {
		resp.Dependencies[d.name] = results[i]
		if results[i] != "down" {
			continue
		}
		if d.required {
			resp.Status = "error"
		} else if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
