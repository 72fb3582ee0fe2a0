// Package schedule runs reconciliation passes at startup and on a cron pattern.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/reconcile"
)

// Trigger names why a pass started.
const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// NewParser returns the pattern parser; seconds are optional and
// descriptors such as @hourly are accepted.
func NewParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

type Service struct {
	cron      *cron.Cron
	parser    cron.Parser
	runner    Runner
	pattern   string
	onStartup bool
	logger    *slog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(log *slog.Logger, runner Runner, cfg config.ReconcileConfig) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "schedule"))
	parser := NewParser()
	if cfg.Schedule != "" {
		if _, err := parser.Parse(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Schedule, err)
		}
	}
	cl := cronLogger{log}
	c := cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:      c,
		parser:    parser,
		runner:    runner,
		pattern:   cfg.Schedule,
		onStartup: cfg.OnStartup,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start schedules the periodic pass and, when enabled, kicks off the startup
// pass in the background.
func (s *Service) Start(_ context.Context) error {
	if s.pattern != "" {
		entryID, err := s.cron.AddFunc(s.pattern, func() {
			_, _ = s.run(s.ctx, TriggerSchedule)
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.entryID = entryID
		s.mu.Unlock()
	}
	s.cron.Start()
	if s.onStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.run(s.ctx, TriggerStartup)
		}()
	}
	return nil
}

// Stop cancels running passes and waits for them to return or ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop().Done()
	done := make(chan struct{})
	go func() {
		<-cronDone
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs a pass immediately and waits for it. Naming scopes narrows
// the pass to them.
func (s *Service) Trigger(ctx context.Context, scopeIDs ...string) (reconcile.Summary, error) {
	return s.run(ctx, TriggerManual, scopeIDs...)
}

// Next returns the next scheduled pass, zero when none is scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Service) run(ctx context.Context, trigger string, scopeIDs ...string) (reconcile.Summary, error) {
	log := s.logger.With(slog.String("trigger", trigger))
	if len(scopeIDs) > 0 {
		log = log.With(slog.Any("scopes", scopeIDs))
	}
	summary, err := s.runner.RunScopes(ctx, scopeIDs...)
	switch {
	case errors.Is(err, reconcile.ErrRunning):
		log.Info("reconciliation already running, pass skipped")
	case err != nil:
		log.Error("reconciliation failed", slog.Any("error", err))
	default:
		log.Info("reconciliation finished",
			slog.String(logger.KeyRunID, summary.RunID),
			slog.Int("scopes", len(summary.Scopes)),
			slog.Int("mutations", summary.Mutations()))
	}
	return summary, err
}

// cronLogger adapts slog to the cron scheduler's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
