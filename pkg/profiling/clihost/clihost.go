// Package clihost profiles non-request invocations such as a command-line
// run. The whole invocation is one request: its URL is the program name
// followed by its arguments, and the hooks run when Finish is called.
package clihost

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	rperrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/pkg/ambient"
)

// Host is both the ambient.Host and the single ambient.Context of one
// invocation.
type Host struct {
	args    []string
	environ func() []string
	logger  zerolog.Logger

	mu       sync.Mutex
	hooks    []ambient.Hook
	sec      int64
	fsec     float64
	timeSet  bool
	finished bool
}

var (
	_ ambient.Host    = (*Host)(nil)
	_ ambient.Context = (*Host)(nil)
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger for hook failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithEnviron replaces os.Environ.
func WithEnviron(environ func() []string) Option {
	return func(h *Host) { h.environ = environ }
}

// New creates a Host for args, normally os.Args. The invocation start time
// is recorded immediately.
func New(args []string, opts ...Option) *Host {
	h := &Host{
		args:    append([]string(nil), args...),
		environ: os.Environ,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "cli_host").Logger()

	now := time.Now()
	h.SetRequestTime(now.Unix(), float64(now.UnixMicro())/1e6)
	return h
}

// RegisterEndOfRequest adds a hook run by Finish.
func (h *Host) RegisterEndOfRequest(hook ambient.Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Finish runs the registered hooks once. Later calls do nothing.
func (h *Host) Finish(ctx context.Context) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	hooks := append([]ambient.Hook(nil), h.hooks...)
	h.mu.Unlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error().Err(rperrors.Recovered(r)).Msg("End-of-run hook panicked")
				}
			}()
			hook(ctx, h)
		}()
	}
}

// URL returns the program base name followed by its arguments.
func (h *Host) URL() string {
	if len(h.args) == 0 {
		return ""
	}
	parts := append([]string{filepath.Base(h.args[0])}, h.args[1:]...)
	return strings.Join(parts, " ")
}

// ServerVars describes the invocation: the script name, its arguments and
// the working directory.
func (h *Host) ServerVars() map[string]string {
	vars := map[string]string{
		"ARGC": strconv.Itoa(max(len(h.args)-1, 0)),
	}
	if len(h.args) > 0 {
		vars["SCRIPT_NAME"] = h.args[0]
	}
	for i, arg := range h.args {
		vars["ARGV_"+strconv.Itoa(i)] = arg
	}
	if wd, err := os.Getwd(); err == nil {
		vars["PWD"] = wd
	}
	return vars
}

// QueryParams is always empty for an invocation.
func (h *Host) QueryParams() map[string]any {
	return map[string]any{}
}

func (h *Host) EnvVars() map[string]string {
	env := h.environ()
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}
	return vars
}

func (h *Host) RequestTime() (int64, float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sec, h.fsec, h.timeSet
}

func (h *Host) SetRequestTime(sec int64, fsec float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.timeSet {
		h.sec, h.fsec, h.timeSet = sec, fsec, true
	}
}

func (h *Host) IgnoreAbort(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// CloseSession does nothing; an invocation holds no session resource.
func (h *Host) CloseSession() error { return nil }

// FinishResponse syncs standard output so the caller sees everything the
// command printed before the profile is stored.
func (h *Host) FinishResponse() error {
	if err := os.Stdout.Sync(); err != nil && !isUnsyncable(err) {
		return err
	}
	return nil
}

// Terminals and pipes reject fsync.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP)
}
