package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together; a probe still running at
// the deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// ProbeReport is what a probe observed. Details are shown to operators as
// is (breaker state, failure counts). A degraded component still serves
// traffic: the endpoint answers 200 with status "degraded".
type ProbeReport struct {
	Degraded bool
	Details  map[string]any
}

// HealthProbe is one subsystem check. A non-nil error marks the component
// unhealthy; the report's details are kept either way.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) (ProbeReport, error)
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) (ProbeReport, error)
}

func (p probeFunc) Name() string { return p.name }

func (p probeFunc) Check(ctx context.Context) (ProbeReport, error) { return p.fn(ctx) }

// NewProbe builds a pass/fail HealthProbe, e.g. a database ping.
func NewProbe(name string, fn func(ctx context.Context) error) HealthProbe {
	return probeFunc{name: name, fn: func(ctx context.Context) (ProbeReport, error) {
		return ProbeReport{}, fn(ctx)
	}}
}

// NewReportingProbe builds a HealthProbe that reports details.
func NewReportingProbe(name string, fn func(ctx context.Context) (ProbeReport, error)) HealthProbe {
	return probeFunc{name: name, fn: fn}
}

type componentStatus struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

type probeOutcome struct {
	index   int
	report  ProbeReport
	err     error
	elapsed time.Duration
}

// HandleHealth runs every probe concurrently under healthCheckTimeout.
// Any unhealthy or timed-out component makes the answer 503; otherwise it
// is 200, with status "degraded" if any component says so. It is public.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: statusHealthy, Version: s.version()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := make(chan probeOutcome, len(probes))
	for i, p := range probes {
		go func() {
			start := time.Now()
			report, err := runProbe(ctx, p)
			results <- probeOutcome{index: i, report: report, err: err, elapsed: time.Since(start)}
		}()
	}

	outcomes := make([]*probeOutcome, len(probes))
collect:
	for range probes {
		select {
		case o := <-results:
			outcomes[o.index] = &o
		case <-ctx.Done():
			break collect
		}
	}

	resp := healthResponse{
		Status:     statusHealthy,
		Version:    s.version(),
		Components: make(map[string]componentStatus, len(probes)),
	}
	for i, p := range probes {
		c := componentFor(outcomes[i])
		resp.Components[p.Name()] = c
		switch {
		case c.Status == statusUnhealthy:
			resp.Status = statusUnhealthy
		case c.Status == statusDegraded && resp.Status == statusHealthy:
			resp.Status = statusDegraded
		}
	}

	status := http.StatusOK
	if resp.Status == statusUnhealthy {
		status = http.StatusServiceUnavailable
		s.Logger.WarnContext(r.Context(), "health check failed", "components", resp.Components)
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (report ProbeReport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return p.Check(ctx)
}

func componentFor(o *probeOutcome) componentStatus {
	if o == nil {
		return componentStatus{Status: statusUnhealthy, Message: "health check timed out"}
	}
	c := componentStatus{
		Status:    statusHealthy,
		Details:   o.report.Details,
		LatencyMS: o.elapsed.Milliseconds(),
	}
	switch {
	case o.err != nil:
		c.Status = statusUnhealthy
		c.Message = o.err.Error()
	case o.report.Degraded:
		c.Status = statusDegraded
	}
	return c
}

func (s *Server) version() string {
	if s.Config == nil {
		return ""
	}
	return s.Config.Build.Version
}
