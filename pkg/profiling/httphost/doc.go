// Package httphost runs the profiling agent inside a net/http server.
//
// Host implements ambient.Host and wraps handlers so every request gets an
// ambient.Context and, when sampled, a profiling session:
//
//	host := httphost.New(httphost.WithLogger(logger))
//	agent, err := profiling.New(ctx, cfg, host)
//	...
//	srv := &http.Server{Handler: host.Wrap(agent, mux)}
//	...
//	_ = host.Shutdown(ctx)
//
// The post-response hooks run on a goroutine once the handler has returned.
// The host leaves the response alone, so net/http completes it exactly as for
// an unprofiled request and persisting a profile never delays it. A handler
// that panics still gets its profile persisted. Shutdown waits for that tail
// work.
//
// The aggregation URL defaults to the ServeMux pattern that matched the
// request (for example "GET /users/{id}") unless the handler set one.
package httphost
