// Package httpclient builds outbound HTTP clients that rate limit and
// circuit-break per host. Label feeds and webhook deliveries go through it.
package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while a host's breaker is open. Callers treat it
// like any transport failure.
var ErrCircuitOpen = errors.New("circuit open")

// Opts is the set of options for a new client.
type Opts struct {
	Timeout         time.Duration
	RPS             float64
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	Base            http.RoundTripper
	Clock           clockwork.Clock
}

// OptsFromEnv reads HTTP_RPS, HTTP_BURST, HTTP_BREAKER_FAILURES and
// HTTP_BREAKER_COOLDOWN.
func OptsFromEnv(timeout time.Duration) Opts {
	return Opts{
		Timeout:         timeout,
		RPS:             utils.EnvFloat("HTTP_RPS", 10),
		Burst:           utils.EnvInt("HTTP_BURST", 20),
		BreakerFailures: utils.EnvInt("HTTP_BREAKER_FAILURES", 5),
		BreakerCooldown: utils.EnvDuration("HTTP_BREAKER_COOLDOWN", 30*time.Second),
	}
}

// New returns an *http.Client whose transport applies the limits.
func New(o Opts) *http.Client {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	return &http.Client{Timeout: o.Timeout, Transport: NewTransport(o)}
}

// Transport is a RoundTripper with a token bucket and a breaker per host.
type Transport struct {
	base  http.RoundTripper
	clock clockwork.Clock

	rps   rate.Limit
	burst int

	breakerThreshold int
	breakerCooldown  time.Duration

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	limiter  *rate.Limiter
	failures int
	openTill time.Time
}

func NewTransport(o Opts) *Transport {
	if o.RPS <= 0 {
		o.RPS = 10
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Base == nil {
		o.Base = http.DefaultTransport
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return &Transport{
		base:             o.Base,
		clock:            o.Clock,
		rps:              rate.Limit(o.RPS),
		burst:            o.Burst,
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
		hosts:            map[string]*hostState{},
	}
}

func (t *Transport) host(name string) *hostState {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hosts[name]
	if !ok {
		h = &hostState{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.hosts[name] = h
	}
	return h
}

// isOpen reports whether the host's breaker is open. An expired breaker is
// closed again and the host gets a fresh failure budget.
func (t *Transport) isOpen(h *hostState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.openTill.IsZero() {
		return false
	}
	if t.clock.Now().After(h.openTill) {
		h.openTill = time.Time{}
		h.failures = 0
		return false
	}
	return true
}

func (t *Transport) noteResult(h *hostState, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !failed {
		h.failures = 0
		return
	}
	h.failures++
	if h.failures >= t.breakerThreshold {
		h.openTill = t.clock.Now().Add(t.breakerCooldown)
	}
}

// RoundTrip waits for a token, then sends. Transport errors and 5xx
// responses count against the host; 4xx do not.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	h := t.host(req.URL.Host)
	if t.isOpen(h) {
		return nil, fmt.Errorf("%s: %w", req.URL.Host, ErrCircuitOpen)
	}
	if err := h.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	t.noteResult(h, err != nil || resp.StatusCode >= 500)
	return resp, err
}
