// Package engine supervises invocations of the external search binary.
//
// Every call goes through a bounded pool of subprocess slots. Waiters are
// served in FIFO order. Failed calls are retried with exponential backoff
// unless the failure cannot be fixed by retrying (missing binary, malformed
// output). Availability of the binary is probed with `status` and cached so a
// dead dependency fails fast instead of queueing work.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	CommandSearch      = "search"
	CommandStatus      = "status"
	CommandStats       = "stats"
	CommandMaintenance = "maintenance"

	defaultMaxConcurrent   = 3
	defaultBackoffBase     = time.Second
	defaultCommandTimeout  = 60 * time.Second
	defaultProbeTimeout    = 10 * time.Second
	defaultAvailabilityTTL = 30 * time.Second
	defaultHealthInterval  = 60 * time.Second
)

// Options configures a Supervisor. Zero durations fall back to defaults.
type Options struct {
	Binary          string
	IndexDir        string
	MaxConcurrent   int
	MaxRetries      int
	BackoffBase     time.Duration
	CommandTimeout  time.Duration
	ProbeTimeout    time.Duration
	AvailabilityTTL time.Duration
	HealthInterval  time.Duration
	Runner          Runner
}

// Supervisor executes commands against the search binary.
type Supervisor struct {
	opts   Options
	runner Runner
	slots  *semaphore.Weighted
	active atomic.Int64
	queued atomic.Int64
	probes singleflight.Group

	mu        sync.RWMutex
	available bool
	checkedAt time.Time
	lastErr   error

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	setDefault(&opts.BackoffBase, defaultBackoffBase)
	setDefault(&opts.CommandTimeout, defaultCommandTimeout)
	setDefault(&opts.ProbeTimeout, defaultProbeTimeout)
	setDefault(&opts.AvailabilityTTL, defaultAvailabilityTTL)
	setDefault(&opts.HealthInterval, defaultHealthInterval)
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Supervisor{
		opts:   opts,
		runner: runner,
		slots:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// CheckAvailability reports whether the binary answered its last probe. The
// answer is cached for AvailabilityTTL, failures included.
func (s *Supervisor) CheckAvailability(ctx context.Context) bool {
	s.mu.RLock()
	fresh := !s.checkedAt.IsZero() && s.now().Sub(s.checkedAt) < s.opts.AvailabilityTTL
	available := s.available
	s.mu.RUnlock()
	if fresh {
		return available
	}
	return s.refresh(ctx)
}

// refresh probes unconditionally. Concurrent callers share one probe, which
// runs detached from any caller and is bounded by ProbeTimeout alone. A
// caller that gives up stops waiting and gets false; the probe still
// records its outcome.
func (s *Supervisor) refresh(ctx context.Context) bool {
	detached := context.WithoutCancel(ctx)
	ch := s.probes.DoChan(CommandStatus, func() (any, error) {
		err := s.probe(detached)
		s.record(err)
		return err == nil, nil
	})
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	out, err := s.runner.Run(probeCtx, s.opts.Binary, []string{CommandStatus}, s.env())
	if err != nil {
		return s.classify(ctx, probeCtx, CommandStatus, err)
	}
	var status Status
	if err := json.Unmarshal(bytes.TrimSpace(out), &status); err != nil {
		return &Error{Code: CodeParseError, Command: CommandStatus, Message: "status output is not JSON", Err: err}
	}
	if !status.IndexHealthy {
		log.Warn().Bool("index_exists", status.IndexExists).Msg("search index reports unhealthy")
	}
	return nil
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.available || s.checkedAt.IsZero()
	s.available = err == nil
	s.checkedAt = s.now()
	s.lastErr = err
	if err != nil && changed {
		log.Warn().Err(err).Str("binary", s.opts.Binary).Msg("search engine unavailable")
	}
}

// markUnavailable poisons the availability cache after a fatal failure so
// following calls fail fast.
func (s *Supervisor) markUnavailable(err error) {
	s.mu.Lock()
	s.available = false
	s.checkedAt = s.now()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) unavailableError(command string) error {
	s.mu.RLock()
	lastErr := s.lastErr
	s.mu.RUnlock()
	if CodeOf(lastErr) == CodeBinaryNotFound {
		return &Error{Code: CodeBinaryNotFound, Command: command, Message: "search binary not found: " + s.opts.Binary, Err: lastErr}
	}
	return &Error{Code: CodeServiceUnavailable, Command: command, Message: "search engine is not available", Err: lastErr}
}

// Execute runs command with args and returns its stdout, which must be a
// single JSON document. A timeout <= 0 uses the configured CommandTimeout.
func (s *Supervisor) Execute(ctx context.Context, command string, args []string, timeout time.Duration) (json.RawMessage, error) {
	if !s.CheckAvailability(ctx) {
		return nil, s.unavailableError(command)
	}
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := s.backoff(attempt)
			log.Warn().Str("command", command).Int("attempt", attempt+1).Dur("backoff", wait).Err(lastErr).Msg("retrying search engine call")
			if err := s.sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
		}

		out, err := s.runOnce(ctx, command, args, timeout)
		if err == nil {
			doc := bytes.TrimSpace(out)
			if !json.Valid(doc) {
				return nil, &Error{Code: CodeParseError, Command: command, Message: "output is not a single JSON document", Attempts: attempt + 1}
			}
			return json.RawMessage(doc), nil
		}

		var engineErr *Error
		if errors.As(err, &engineErr) {
			engineErr.Attempts = attempt + 1
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *Supervisor) runOnce(ctx context.Context, command string, args []string, timeout time.Duration) ([]byte, error) {
	s.queued.Add(1)
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.queued.Add(-1)
		return nil, fmt.Errorf("%s: acquire slot: %w", command, err)
	}
	s.queued.Add(-1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.slots.Release(1)
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := append([]string{command}, args...)
	started := s.now()
	out, err := s.runner.Run(runCtx, s.opts.Binary, fullArgs, s.env())
	log.Debug().Str("command", command).Dur("took", s.now().Sub(started)).Err(err).Msg("search engine call finished")
	if err != nil {
		return nil, s.classify(ctx, runCtx, command, err)
	}
	return out, nil
}

// classify turns a runner error into an *Error. Cancellation of the caller's
// own context is returned as a plain wrapped context error.
func (s *Supervisor) classify(parent, runCtx context.Context, command string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", command, parent.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Command: command, Message: "timed out", Err: err}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		notFound := &Error{Code: CodeBinaryNotFound, Command: command, Message: "search binary not found: " + s.opts.Binary, Err: err}
		s.markUnavailable(notFound)
		return notFound
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return &Error{Code: CodeEngineError, Command: command, Message: exitErr.Error(), Err: err}
	}
	return &Error{Code: CodeEngineError, Command: command, Message: err.Error(), Err: err}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	return s.opts.BackoffBase * time.Duration(1<<uint(attempt)) //nolint:gosec // attempt is bounded by MaxRetries
}

func (s *Supervisor) env() []string {
	if s.opts.IndexDir == "" {
		return nil
	}
	return []string{"SEARCH_DIRECTORY=" + s.opts.IndexDir}
}

// Search runs `search <query> --limit N --offset M`.
func (s *Supervisor) Search(ctx context.Context, query string, limit, offset int) (*SearchResponse, error) {
	args := searchArgs(query, limit, offset)
	raw, err := s.Execute(ctx, CommandSearch, args, 0)
	if err != nil {
		return nil, err
	}
	var resp SearchResponse
	if err := decode(raw, CommandSearch, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func searchArgs(query string, limit, offset int) []string {
	l, o := strconv.Itoa(limit), strconv.Itoa(offset)
	if strings.HasPrefix(query, "-") {
		// keep a leading dash from being parsed as a flag
		return []string{"--limit", l, "--offset", o, "--", query}
	}
	return []string{query, "--limit", l, "--offset", o}
}

// Status runs `status` through the pool.
func (s *Supervisor) Status(ctx context.Context) (*Status, error) {
	raw, err := s.Execute(ctx, CommandStatus, nil, s.opts.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	var status Status
	if err := decode(raw, CommandStatus, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *Supervisor) Stats(ctx context.Context) (*Stats, error) {
	raw, err := s.Execute(ctx, CommandStats, nil, 0)
	if err != nil {
		return nil, err
	}
	var stats Stats
	if err := decode(raw, CommandStats, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Maintenance runs `maintenance <name>`.
func (s *Supervisor) Maintenance(ctx context.Context, name string) (*MaintenanceResult, error) {
	raw, err := s.Execute(ctx, CommandMaintenance, []string{name}, 0)
	if err != nil {
		return nil, err
	}
	var res MaintenanceResult
	if err := decode(raw, CommandMaintenance, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func decode(raw json.RawMessage, command string, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeParseError, Command: command, Message: "unexpected output shape", Err: err}
	}
	return nil
}

// PoolStats returns the current pool depth and cached availability.
func (s *Supervisor) PoolStats() PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := PoolStats{
		Active:    s.active.Load(),
		Queued:    s.queued.Load(),
		Ceiling:   s.opts.MaxConcurrent,
		Available: s.available,
	}
	if !s.checkedAt.IsZero() {
		checked := s.checkedAt
		stats.LastChecked = &checked
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	return stats
}

// Run refreshes availability every HealthInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			available := s.refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			stats := s.PoolStats()
			log.Info().
				Bool("available", available).
				Int64("active", stats.Active).
				Int64("queued", stats.Queued).
				Int("ceiling", stats.Ceiling).
				Msg("search engine health check")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
