package statesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HTTPSource polls a state endpoint, using ETags to skip unchanged documents.
type HTTPSource struct {
	url    string
	http   *fasthttp.Client
	logger *zap.Logger

	defaultTimeout time.Duration
	retryMax       int

	etag []byte
	last []byte
}

type HTTPOption func(*HTTPSource)

func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.defaultTimeout = d }
}

func WithHTTPRetry(max int) HTTPOption {
	return func(s *HTTPSource) { s.retryMax = max }
}

// WithHTTPDial replaces the dialer, e.g. with an in-memory listener.
func WithHTTPDial(dial func(addr string) (net.Conn, error)) HTTPOption {
	return func(s *HTTPSource) { s.http.Dial = dial }
}

func NewHTTPSource(url string, logger *zap.Logger, opts ...HTTPOption) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPSource{
		url:            url,
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 4},
		logger:         logger,
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) Latest(ctx context.Context) (Observation, bool, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(s.url)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if len(s.etag) > 0 {
		req.Header.SetBytesV(fasthttp.HeaderIfNoneMatch, s.etag)
	}

	attempts := s.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.http.DoDeadline(req, resp, s.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("state request failed: %w", err)
			if attempt == attempts {
				return Observation{}, false, lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return Observation{}, false, lastErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == fasthttp.StatusNotModified, status == fasthttp.StatusNotFound, status == fasthttp.StatusNoContent:
			return Observation{}, false, nil
		case status >= 200 && status < 300:
			return s.accept(resp)
		}

		lastErr = fmt.Errorf("state endpoint error: status=%d body=%s", status, truncate(string(resp.Body()), 256))
		if attempt == attempts || !shouldRetryStatus(status) {
			return Observation{}, false, lastErr
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return Observation{}, false, lastErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return Observation{}, false, lastErr
}

func (s *HTTPSource) accept(resp *fasthttp.Response) (Observation, bool, error) {
	body := resp.Body()
	if bytes.Equal(body, s.last) {
		return Observation{}, false, nil
	}
	obs, err := Decode(body)
	if err != nil {
		return Observation{}, false, err
	}
	s.last = append(s.last[:0], body...)
	s.etag = append(s.etag[:0], resp.Header.Peek(fasthttp.HeaderETag)...)
	return obs, true, nil
}

func (s *HTTPSource) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

func (s *HTTPSource) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(s.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
