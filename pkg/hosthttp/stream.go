package hosthttp

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

// maxConcurrentStreams is the per-execution concurrent-stream cap.
const maxConcurrentStreams = 3

// streamDeadline bounds the lifetime of any single stream handle.
const streamDeadline = 5 * time.Minute

// chunk is one buffered read result.
type chunk struct {
	data []byte
	err  error
}

// stream is the background-producer state behind one http/stream.request
// handle.
type stream struct {
	mu     sync.Mutex
	buf    []byte
	done   bool
	failed *enginerr.Error
	total  int64
	max    int64

	cancel context.CancelFunc
	body   io.ReadCloser
}

// Manager owns every open stream for one execution: on execution finalize,
// all streams for that execution are forcibly closed.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// NewManager creates an empty stream manager for one execution.
func NewManager() *Manager {
	return &Manager{streams: make(map[string]*stream)}
}

// Request opens a new stream, enforcing the same policy/SSRF validation as
// Fetch plus the concurrent-stream cap, and starts a background goroutine
// pumping the response body into the stream's buffer.
func (m *Manager) Request(ctx context.Context, req Request, deps Deps) (string, *enginerr.Error) {
	m.mu.Lock()
	if len(m.streams) >= maxConcurrentStreams {
		m.mu.Unlock()
		return "", enginerr.New(enginerr.CodeStreamLimit, "concurrent stream limit reached")
	}
	m.mu.Unlock()

	if hostErr := validateStreamRequest(ctx, req, deps); hostErr != nil {
		return "", hostErr
	}
	return m.openRaw(ctx, req, deps)
}

// Read returns the next buffered chunk for handle, or a terminal/error state.
func (m *Manager) Read(handle string) (data []byte, done bool, failed *enginerr.Error) {
	m.mu.Lock()
	s, ok := m.streams[handle]
	m.mu.Unlock()
	if !ok {
		return nil, true, enginerr.New(enginerr.CodeNotFound, "unknown stream handle")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return nil, true, s.failed
	}
	if len(s.buf) > 0 {
		data = s.buf
		s.buf = nil
		return data, false, nil
	}
	if s.done {
		return nil, true, nil
	}
	return nil, false, nil
}

// Close idempotently tears down a stream's buffer and producer.
func (m *Manager) Close(handle string) {
	m.mu.Lock()
	s, ok := m.streams[handle]
	if ok {
		delete(m.streams, handle)
	}
	m.mu.Unlock()
	if ok {
		m.teardown(s)
	}
}

// CloseAll forcibly closes every stream this manager owns.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.streams
	m.streams = make(map[string]*stream)
	m.mu.Unlock()
	for _, s := range all {
		m.teardown(s)
	}
}

func (m *Manager) teardown(s *stream) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.body != nil {
		_ = s.body.Close()
	}
}

// validateStreamRequest applies the same method/domain/rate-limit/SSRF
// checks Fetch does, without buffering a response body — streaming reads
// that incrementally via openRaw instead.
func validateStreamRequest(ctx context.Context, req Request, deps Deps) *enginerr.Error {
	if !policy.AllowsMethod(deps.Policy, req.Method) {
		return enginerr.New(enginerr.CodeMethodBlocked, "method "+req.Method+" is not allowed")
	}
	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return enginerr.New(enginerr.CodeMalformedRef, "invalid request url")
	}
	host := parsed.Hostname()
	if !policy.AllowsDomain(deps.Policy, host) {
		return enginerr.New(enginerr.CodeDomainBlocked, "domain "+host+" is not allowed")
	}
	if deps.Limiter != nil {
		result, rlErr := deps.Limiter.Check(ctx, deps.UserID, deps.Ref, deps.Policy)
		if rlErr != nil {
			return enginerr.Wrap(enginerr.CodeUnexpected, "rate limiter check failed", rlErr)
		}
		if !result.Allowed {
			return enginerr.New(enginerr.CodeRateLimited, "rate limit exceeded")
		}
	}
	return validateHost(ctx, host)
}

func (m *Manager) openRaw(ctx context.Context, req Request, deps Deps) (string, *enginerr.Error) {
	streamCtx, cancel := context.WithTimeout(ctx, streamDeadline)

	client := deps.Client
	if client == nil {
		client = newClient()
	}

	httpReq, err := http.NewRequestWithContext(streamCtx, req.Method, req.URL, nil)
	if err != nil {
		cancel()
		return "", enginerr.Wrap(enginerr.CodeUnexpected, "failed to build stream request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return "", enginerr.Wrap(enginerr.CodeHTTPError, "stream request failed", err)
	}

	maxResponse := int64(0)
	if deps.Policy != nil {
		maxResponse = deps.Policy.MaxResponseSize
	}

	s := &stream{cancel: cancel, body: resp.Body, max: maxResponse}
	handle := uuid.NewString()

	m.mu.Lock()
	m.streams[handle] = s
	m.mu.Unlock()

	go s.pump()

	return handle, nil
}

func (s *stream) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.total += int64(n)
			if s.max > 0 && s.total > s.max {
				s.failed = enginerr.New(enginerr.CodeResponseTooLarge, "stream exceeded max_response_size")
				s.done = true
				s.mu.Unlock()
				return
			}
			chunkCopy := make([]byte, n)
			copy(chunkCopy, buf[:n])
			s.buf = append(s.buf, chunkCopy...)
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if err != io.EOF {
				s.failed = enginerr.New(enginerr.CodeTimeout, "stream read failed: "+err.Error())
			}
			s.done = true
			s.mu.Unlock()
			return
		}
	}
}
