// Package profiling profiles a sampled share of requests and stores each
// profile with the metadata of its request once the response has been sent.
//
// An Agent is created once per process. For every request the host calls
// Agent.Begin (or NewSession followed by Session.Start) with the request's
// ambient.Context. When the request is sampled, the selected engine starts
// and the agent registers a post-response hook with the host, once per
// Agent. After the host has sent the response it runs the hook, which stops
// the engine, captures metadata and persists the record:
//
//	agent, err := profiling.New(ctx, cfg, host, profiling.WithLogger(logger))
//	...
//	session := agent.Begin(requestContext)
//	session.SetAggregationURL("/users/{id}")
//
// Nothing that happens after the response is sent can reach the caller:
// errors are logged and counted, panics are recovered. The only error a
// host is expected to observe is a *ConfigurationError from Session.Start,
// reported when no persistence driver or no sampling engine is available.
//
// Session methods are safe to call on a nil *Session, so request handlers
// can use FromContext without checking whether profiling is active.
package profiling
