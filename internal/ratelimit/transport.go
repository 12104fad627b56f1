package ratelimit

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"filesort/internal/models"
)

const (
	maxAttempts = 5

	// Per-attempt request timeout derived from the latency EWMA.
	timeoutFactor = 3.0
	minTimeout    = 20 * time.Second
	maxTimeout    = 240 * time.Second

	ewmaAlpha = 0.15
	ewmaMinMs = 100.0
	ewmaMaxMs = 300000.0

	backoffBase = 1 * time.Second
	backoffCap  = 120 * time.Second

	// Bounded capacity/refill adaptation.
	slowEWMAMs      = 30000.0
	capacityCeiling = 20.0
	capacityFloor   = 1.0
	refillCeiling   = 10.0
	refillFloor     = 0.1
)

// Transport is an http.RoundTripper that applies token-bucket admission,
// adaptive timeouts and Retry-After-aware backoff retries for one remote
// model identifier. Remote provider clients route their HTTP through it.
type Transport struct {
	Model    string
	Base     http.RoundTripper
	Registry *Registry

	// Overridable in tests.
	now   func() time.Time
	sleep func(time.Duration)
	randf func() float64 // uniform [0,1)
}

// NewTransport wraps base (http.DefaultTransport when nil) with admission
// control and retries keyed by model.
func NewTransport(model string, base http.RoundTripper, registry *Registry) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Model:    model,
		Base:     base,
		Registry: registry,
		now:      time.Now,
		sleep:    time.Sleep,
		randf:    rand.Float64,
	}
}

// RoundTrip implements the request sequence: refill, honor the retry-after
// deadline, wait for a token, consume it, then attempt the request up to
// maxAttempts times with exponential backoff on 429/5xx.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	s := t.Registry.Get(t.Model)
	t.refill(&s)

	if until := time.UnixMilli(s.RetryAfterUntil); until.After(t.now()) {
		t.sleep(until.Sub(t.now()))
		t.refill(&s)
	}

	if s.Tokens < 1.0 {
		needed := 1.0 - s.Tokens
		wait := time.Duration(math.Ceil(needed/s.RefillPerSec)) * time.Second
		log.Debugf("Rate limiter for %s waiting %s for tokens", t.Model, wait)
		t.sleep(wait)
		t.refill(&s)
	}

	if s.Tokens >= 1.0 {
		s.Tokens -= 1.0
	} else {
		s.Tokens = 0.0
	}

	timeout := t.adaptiveTimeout(s)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, elapsed, err := t.attempt(req, timeout)
		if err != nil {
			// Network failure or timeout: feed the EWMA with what we
			// observed (the timeout value when nothing better) and
			// surface the error without further retries.
			if elapsed <= 0 {
				elapsed = timeout
			}
			t.updateEWMA(&s, elapsed)
			t.Registry.Put(t.Model, s)
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			t.updateEWMA(&s, elapsed)
			t.Registry.Put(t.Model, s)
			return resp, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if retryAfter := parseRetryAfter(resp); retryAfter > 0 {
				s.RetryAfterUntil = t.now().Add(retryAfter).UnixMilli()
			} else if s.RetryAfterUntil <= t.now().UnixMilli() {
				s.RetryAfterUntil = t.now().Add(t.backoff(attempt)).UnixMilli()
			}
			t.Registry.Put(t.Model, s)
			drainBody(resp)

			if wait := time.UnixMilli(s.RetryAfterUntil).Sub(t.now()); wait > 0 {
				log.Debugf("Provider %s returned %d, backing off %s (attempt %d/%d)",
					t.Model, resp.StatusCode, wait.Round(time.Millisecond), attempt+1, maxAttempts)
				t.sleep(wait)
				t.refill(&s)
			}
			continue
		}

		// Non-retryable 4xx: record the latency and hand the response back.
		t.updateEWMA(&s, elapsed)
		t.Registry.Put(t.Model, s)
		return resp, nil
	}

	t.Registry.Put(t.Model, s)
	return nil, &models.RateLimitError{Message: "exhausted retries for " + t.Model}
}

// attempt performs one HTTP exchange bounded by timeout.
func (t *Transport) attempt(req *http.Request, timeout time.Duration) (*http.Response, time.Duration, error) {
	ctx, cancel := context.WithTimeout(req.Context(), timeout)

	attemptReq := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, 0, err
		}
		attemptReq.Body = body
	}

	start := t.now()
	resp, err := t.Base.RoundTrip(attemptReq)
	elapsed := t.now().Sub(start)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, elapsed, models.ErrTimeout
		}
		return nil, elapsed, err
	}
	// Tie the context to the body so the caller can finish reading it.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, elapsed, nil
}

func (t *Transport) refill(s *State) {
	now := t.now().UnixMilli()
	if s.LastRefill == 0 {
		s.LastRefill = now
	}
	if now <= s.LastRefill {
		return
	}
	elapsed := float64(now-s.LastRefill) / 1000.0
	add := elapsed * s.RefillPerSec
	if add > 0 {
		s.Tokens = math.Min(s.Capacity, s.Tokens+add)
		s.LastRefill = now
	}
}

func (t *Transport) adaptiveTimeout(s State) time.Duration {
	timeout := time.Duration(timeoutFactor*s.EWMAMs) * time.Millisecond
	if timeout < minTimeout {
		return minTimeout
	}
	if timeout > maxTimeout {
		return maxTimeout
	}
	return timeout
}

// updateEWMA folds an observed latency into the moving average and nudges
// capacity and refill rate: up when the provider is fast, down when slow.
func (t *Transport) updateEWMA(s *State, observed time.Duration) {
	observedMs := float64(observed.Milliseconds())
	s.EWMAMs = ewmaAlpha*observedMs + (1-ewmaAlpha)*s.EWMAMs
	s.EWMAMs = math.Max(ewmaMinMs, math.Min(ewmaMaxMs, s.EWMAMs))

	if s.EWMAMs > slowEWMAMs {
		s.Capacity = math.Max(capacityFloor, s.Capacity*0.95)
		s.RefillPerSec = math.Max(refillFloor, s.RefillPerSec*0.95)
	} else {
		s.Capacity = math.Min(capacityCeiling, s.Capacity*1.02)
		s.RefillPerSec = math.Min(refillCeiling, s.RefillPerSec*1.02)
	}
}

// backoff computes base * 2^attempt with jitter in [0.7, 1.3], capped.
func (t *Transport) backoff(attempt int) time.Duration {
	base := float64(backoffBase) * math.Pow(2, float64(attempt))
	jitter := 0.7 + 0.6*t.randf()
	d := time.Duration(base * jitter)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
