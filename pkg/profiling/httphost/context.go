package httphost

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coral-mesh/reqprof/pkg/ambient"
)

const redacted = "[redacted]"

// Headers whose values are never recorded.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
	"Set-Cookie":          true,
}

// requestContext is the ambient.Context of one HTTP request.
type requestContext struct {
	host *Host
	req  *http.Request
	rw   *responseWriter

	mu       sync.Mutex
	sec      int64
	fsec     float64
	timeSet  bool
	detached bool
}

var _ ambient.Context = (*requestContext)(nil)

func newRequestContext(h *Host, r *http.Request, rw *responseWriter) *requestContext {
	return &requestContext{host: h, req: r, rw: rw}
}

func (c *requestContext) URL() string {
	if c.req.RequestURI != "" {
		return c.req.RequestURI
	}
	return c.req.URL.RequestURI()
}

// ServerVars renders the request in CGI style.
func (c *requestContext) ServerVars() map[string]string {
	r := c.req
	vars := map[string]string{
		"REQUEST_METHOD":  r.Method,
		"REQUEST_URI":     c.URL(),
		"QUERY_STRING":    r.URL.RawQuery,
		"SERVER_PROTOCOL": r.Proto,
		"REMOTE_ADDR":     r.RemoteAddr,
		"HTTP_HOST":       r.Host,
	}
	if r.Pattern != "" {
		vars["ROUTE_PATTERN"] = r.Pattern
	}
	if r.TLS != nil {
		vars["HTTPS"] = "on"
	}
	for name, values := range r.Header {
		value := strings.Join(values, ", ")
		if sensitiveHeaders[name] {
			value = redacted
		}
		vars["HTTP_"+strings.ToUpper(strings.ReplaceAll(name, "-", "_"))] = value
	}
	return vars
}

func (c *requestContext) QueryParams() map[string]any {
	query := c.req.URL.Query()
	params := make(map[string]any, len(query))
	for k, v := range query {
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	return params
}

func (c *requestContext) EnvVars() map[string]string {
	env := c.host.environ()
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}
	return vars
}

func (c *requestContext) RequestTime() (int64, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sec, c.fsec, c.timeSet
}

func (c *requestContext) SetRequestTime(sec int64, fsec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.timeSet {
		c.sec, c.fsec, c.timeSet = sec, fsec, true
	}
}

func (c *requestContext) IgnoreAbort(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (c *requestContext) CloseSession() error {
	if c.host.sessionCloser == nil {
		return nil
	}
	return c.host.sessionCloser(c.req)
}

// FinishResponse flushes buffered output to the client. Detached requests
// belong to the server, which completes the response itself, so this is a
// no-op for them.
func (c *requestContext) FinishResponse() error {
	c.mu.Lock()
	detached := c.detached
	c.mu.Unlock()
	if detached {
		return nil
	}
	return c.rw.flush()
}

func (c *requestContext) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}
