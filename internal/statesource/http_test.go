package statesource

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type stateServer struct {
	mu       sync.Mutex
	etag     string
	body     string
	failures int
	requests int
	notMod   int
}

func (s *stateServer) set(etag, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag, s.body = etag, body
}

func (s *stateServer) counts() (requests, notModified int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, s.notMod
}

func (s *stateServer) handle(ctx *fasthttp.RequestCtx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.failures > 0 {
		s.failures--
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	if s.body == "" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	if s.etag != "" && string(ctx.Request.Header.Peek(fasthttp.HeaderIfNoneMatch)) == s.etag {
		s.notMod++
		ctx.SetStatusCode(fasthttp.StatusNotModified)
		return
	}
	if s.etag != "" {
		ctx.Response.Header.Set(fasthttp.HeaderETag, s.etag)
	}
	ctx.SetContentType("application/json")
	ctx.SetBodyString(s.body)
}

func newTestHTTPSource(t *testing.T, srv *stateServer, opts ...HTTPOption) *HTTPSource {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: srv.handle}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	opts = append([]HTTPOption{WithHTTPDial(func(string) (net.Conn, error) { return ln.Dial() })}, opts...)
	src := NewHTTPSource("http://state.local/state", nil, opts...)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestHTTPSourceUsesETag(t *testing.T) {
	srv := &stateServer{}
	src := newTestHTTPSource(t, srv)
	ctx := context.Background()

	if _, changed, err := src.Latest(ctx); err != nil || changed {
		t.Fatalf("no state yet: changed=%v err=%v", changed, err)
	}

	srv.set(`"v1"`, `{"moves":["d2d3"],"detection_timestamp":1}`)
	obs, changed, err := src.Latest(ctx)
	if err != nil || !changed || obs.DetectedAt != 1 {
		t.Fatalf("first read: obs=%+v changed=%v err=%v", obs, changed, err)
	}
	if _, changed, err := src.Latest(ctx); err != nil || changed {
		t.Fatalf("etag match: changed=%v err=%v", changed, err)
	}
	if _, notMod := srv.counts(); notMod != 1 {
		t.Fatalf("expected a conditional request, notModified=%d", notMod)
	}

	srv.set(`"v2"`, `{"moves":["d2d3","b5c5"],"detection_timestamp":2}`)
	obs, changed, err = src.Latest(ctx)
	if err != nil || !changed || len(obs.Moves) != 2 {
		t.Fatalf("second read: obs=%+v changed=%v err=%v", obs, changed, err)
	}
}

func TestHTTPSourceWithoutETagComparesBody(t *testing.T) {
	srv := &stateServer{}
	srv.set("", `{"moves":[],"detection_timestamp":0}`)
	src := newTestHTTPSource(t, srv)
	ctx := context.Background()

	if _, changed, err := src.Latest(ctx); err != nil || !changed {
		t.Fatalf("first read: changed=%v err=%v", changed, err)
	}
	if _, changed, err := src.Latest(ctx); err != nil || changed {
		t.Fatalf("same body: changed=%v err=%v", changed, err)
	}
}

func TestHTTPSourceRetriesServerErrors(t *testing.T) {
	srv := &stateServer{failures: 2}
	srv.set(`"v1"`, `{"moves":["d2d3"],"detection_timestamp":1}`)
	src := newTestHTTPSource(t, srv, WithHTTPRetry(3))

	obs, changed, err := src.Latest(context.Background())
	if err != nil || !changed || obs.DetectedAt != 1 {
		t.Fatalf("obs=%+v changed=%v err=%v", obs, changed, err)
	}
	if requests, _ := srv.counts(); requests != 3 {
		t.Fatalf("expected 3 requests, got %d", requests)
	}
}

func TestHTTPSourceGivesUp(t *testing.T) {
	srv := &stateServer{failures: 5}
	srv.set(`"v1"`, `{"moves":[],"detection_timestamp":1}`)
	src := newTestHTTPSource(t, srv, WithHTTPRetry(2))

	if _, changed, err := src.Latest(context.Background()); err == nil || changed {
		t.Fatalf("expected an error, changed=%v err=%v", changed, err)
	}
}
