package loop

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPDefaults are applied to requests that leave an option unset.
type HTTPDefaults struct {
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	UserAgent       string
	VerifyTLS       bool
	FollowRedirects bool
}

func defaultHTTPDefaults() HTTPDefaults {
	return HTTPDefaults{
		Timeout:         30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		UserAgent:       "asyncloop",
		VerifyTLS:       true,
		FollowRedirects: true,
	}
}

// RequestOptions is the closed set of per-request knobs. Unset fields fall
// back to the manager defaults.
type RequestOptions struct {
	Method          string
	Headers         map[string][]string
	Body            []byte
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	VerifyTLS       *bool
	FollowRedirects *bool
	UserAgent       string

	// WriteCallback streams response body chunks as they arrive; when set,
	// the completion callback receives no accumulated body.
	WriteCallback func(chunk []byte)
	// HeaderCallback fires once with the status and parsed headers, before
	// any body data.
	HeaderCallback func(status int, headers map[string][]string)
	// ProgressCallback reports downloaded bytes against the advertised
	// content length (-1 when unknown).
	ProgressCallback func(received, total int64)
}

// ResponseCallback receives the single outcome of a request. Headers are a
// multi-map; duplicate names accumulate values in arrival order.
type ResponseCallback func(err error, body []byte, status int, headers map[string][]string, httpVersion string)

type httpRequest struct {
	id     string
	cb     ResponseCallback
	cancel context.CancelFunc
}

type httpCompletion struct {
	id      string
	err     error
	body    []byte
	status  int
	headers map[string][]string
	version string
}

// HTTPManager batches outstanding HTTP requests. Transfers run on their own
// goroutines; outcomes are collected into a completion channel drained by
// the loop's drive phases, so callbacks always fire on the loop goroutine.
type HTTPManager struct {
	loop     *Loop
	defaults HTTPDefaults

	inflight    map[string]*httpRequest
	completions chan httpCompletion

	secure   *http.Transport
	insecure *http.Transport
}

func newHTTPManager(l *Loop) *HTTPManager {
	return &HTTPManager{
		loop:        l,
		defaults:    defaultHTTPDefaults(),
		inflight:    make(map[string]*httpRequest),
		completions: make(chan httpCompletion, 64),
	}
}

// SetDefaults replaces the manager defaults. Existing transports are
// rebuilt lazily on the next request.
func (m *HTTPManager) SetDefaults(d HTTPDefaults) {
	m.defaults = d
	m.secure = nil
	m.insecure = nil
}

// Enqueue starts an HTTP request and returns its opaque id. The callback
// fires exactly once on a later loop iteration unless the request is
// cancelled first.
func (m *HTTPManager) Enqueue(url string, opts RequestOptions, cb ResponseCallback) string {
	id := uuid.NewString()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaults.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	m.inflight[id] = &httpRequest{id: id, cb: cb, cancel: cancel}

	client := m.clientFor(opts)
	go m.transfer(ctx, cancel, id, url, opts, client)
	return id
}

// Cancel removes an in-flight request. Its callback never fires.
func (m *HTTPManager) Cancel(id string) bool {
	req, ok := m.inflight[id]
	if !ok {
		return false
	}
	delete(m.inflight, id)
	req.cancel()
	return true
}

// Inflight returns the number of outstanding requests.
func (m *HTTPManager) Inflight() int {
	return len(m.inflight)
}

func (m *HTTPManager) hasCompletions() bool {
	return len(m.completions) > 0
}

// drive drains finished transfers and fires their callbacks. Returns true
// if any completion was processed.
func (m *HTTPManager) drive() bool {
	processed := false
	for {
		select {
		case done := <-m.completions:
			req, ok := m.inflight[done.id]
			if !ok {
				continue // cancelled after completion was queued
			}
			delete(m.inflight, done.id)
			req.cancel()
			runCallback("http", func() {
				req.cb(done.err, done.body, done.status, done.headers, done.version)
			})
			processed = true
		default:
			return processed
		}
	}
}

func (m *HTTPManager) transfer(ctx context.Context, cancel context.CancelFunc, id, url string, opts RequestOptions, client *http.Client) {
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		m.complete(httpCompletion{id: id, err: fmt.Errorf("building request: %w", err)})
		return
	}

	for name, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		ua := opts.UserAgent
		if ua == "" {
			ua = m.defaults.UserAgent
		}
		req.Header.Set("User-Agent", ua)
	}

	resp, err := client.Do(req)
	if err != nil {
		m.complete(httpCompletion{id: id, err: err})
		return
	}
	defer resp.Body.Close()

	headers := map[string][]string(resp.Header)
	if opts.HeaderCallback != nil {
		status := resp.StatusCode
		m.loop.Submit(func() { opts.HeaderCallback(status, headers) })
	}

	payload, err := m.readBody(resp, opts)
	if err != nil {
		m.complete(httpCompletion{id: id, err: fmt.Errorf("reading response body: %w", err)})
		return
	}

	m.complete(httpCompletion{
		id:      id,
		body:    payload,
		status:  resp.StatusCode,
		headers: headers,
		version: resp.Proto,
	})
}

// readBody accumulates the response body, streaming chunks and progress to
// the loop when the request asked for them.
func (m *HTTPManager) readBody(resp *http.Response, opts RequestOptions) ([]byte, error) {
	if opts.WriteCallback == nil && opts.ProgressCallback == nil {
		return io.ReadAll(resp.Body)
	}

	var (
		payload  []byte
		received int64
		buf      [32 * 1024]byte
	)
	for {
		n, err := resp.Body.Read(buf[:])
		if n > 0 {
			received += int64(n)
			if opts.WriteCallback != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				m.loop.Submit(func() { opts.WriteCallback(chunk) })
			} else {
				payload = append(payload, buf[:n]...)
			}
			if opts.ProgressCallback != nil {
				got := received
				m.loop.Submit(func() { opts.ProgressCallback(got, resp.ContentLength) })
			}
		}
		if err == io.EOF {
			return payload, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (m *HTTPManager) complete(c httpCompletion) {
	m.completions <- c
	m.loop.Wakeup()
}

func (m *HTTPManager) clientFor(opts RequestOptions) *http.Client {
	verify := m.defaults.VerifyTLS
	if opts.VerifyTLS != nil {
		verify = *opts.VerifyTLS
	}
	follow := m.defaults.FollowRedirects
	if opts.FollowRedirects != nil {
		follow = *opts.FollowRedirects
	}

	var transport *http.Transport
	switch {
	case opts.ConnectTimeout > 0:
		// Non-default connect timeout gets its own transport.
		transport = m.buildTransport(verify, opts.ConnectTimeout)
	case verify:
		if m.secure == nil {
			m.secure = m.buildTransport(true, m.defaults.ConnectTimeout)
		}
		transport = m.secure
	default:
		if m.insecure == nil {
			m.insecure = m.buildTransport(false, m.defaults.ConnectTimeout)
		}
		transport = m.insecure
	}

	client := &http.Client{Transport: transport}
	if !follow {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func (m *HTTPManager) buildTransport(verify bool, connectTimeout time.Duration) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 16,
	}
	if !verify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit per-request opt-out
	}
	return t
}
