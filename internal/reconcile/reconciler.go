// Package reconcile diffs live snapshots against the audit store and feeds the
// resulting mutations to the audit writer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/metrics"
	"github.com/memohai/auditor/internal/mutation"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/source"
	"github.com/memohai/auditor/internal/store"
	"github.com/memohai/auditor/internal/writer"
)

// ErrRunning is returned when a pass is requested while another one is in progress.
var ErrRunning = errors.New("reconciliation already running")

// Applier commits mutation batches.
type Applier interface {
	Apply(ctx context.Context, b mutation.Batch) (writer.ApplyResult, error)
}

// Options tunes a Reconciler.
type Options struct {
	Workers      int
	ScopeTimeout time.Duration
	// HistoryLimit mirrors the source's per-channel history cap; 0 means full history.
	HistoryLimit int
	Metrics      *metrics.Metrics
}

type Reconciler struct {
	source   source.Source
	store    *store.Store
	registry *registry.Registry
	writer   Applier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
	running  sync.Mutex
}

func New(log *slog.Logger, src source.Source, s *store.Store, reg *registry.Registry, w Applier, opts Options) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Reconciler{
		source:   src,
		store:    s,
		registry: reg,
		writer:   w,
		metrics:  opts.Metrics,
		logger:   log.With(slog.String("service", "reconcile")),
		opts:     opts,
		now:      time.Now,
	}
}

// ScopeSummary reports one scope's pass.
type ScopeSummary struct {
	ScopeID   string        `json:"scope_id"`
	Mutations int           `json:"mutations"`
	Applied   int           `json:"applied"`
	Anomalies int           `json:"anomalies"`
	Skipped   bool          `json:"skipped"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (s *ScopeSummary) absorb(n int, res writer.ApplyResult) {
	s.Mutations += n
	s.Applied += res.Applied
	s.Anomalies += res.Anomalies
}

// Summary reports a whole pass.
type Summary struct {
	RunID      string         `json:"run_id"`
	Enrolled   int            `json:"enrolled"`
	Updated    int            `json:"updated"`
	Unenrolled int            `json:"unenrolled"`
	Scopes     []ScopeSummary `json:"scopes"`
}

// Mutations sums the mutations emitted by the pass.
func (s Summary) Mutations() int {
	n := s.Enrolled + s.Updated + s.Unenrolled
	for _, sc := range s.Scopes {
		n += sc.Mutations
	}
	return n
}

// Run reconciles every live scope.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	return r.RunScopes(ctx)
}

// RunScopes reconciles the given scopes, or every live scope when none are
// named. Scopes are processed in parallel up to the worker limit; a failing
// scope never stops the others.
func (r *Reconciler) RunScopes(ctx context.Context, scopeIDs ...string) (Summary, error) {
	if !r.running.TryLock() {
		return Summary{}, ErrRunning
	}
	defer r.running.Unlock()

	summary := Summary{RunID: uuid.NewString()}
	log := r.logger.With(slog.String(logger.KeyRunID, summary.RunID))
	log.Info("reconciliation started", slog.Int("requested_scopes", len(scopeIDs)))
	started := r.now()

	live, err := r.source.ListScopes(ctx)
	if err != nil {
		log.Error("list live scopes failed", slog.Any("error", err))
		return summary, fmt.Errorf("list scopes: %w", err)
	}
	persisted, err := r.registry.All(ctx)
	if err != nil {
		return summary, fmt.Errorf("list registry: %w", err)
	}
	if len(scopeIDs) > 0 {
		live = filterScopes(live, scopeIDs)
		persisted = filterScopes(persisted, scopeIDs)
	}

	failed := r.reconcileScopes(ctx, log, summary.RunID, live, persisted, &summary)
	targets := make([]entity.Scope, 0, len(live))
	for _, sc := range live {
		if _, ok := failed[sc.ID]; !ok {
			targets = append(targets, sc)
		}
	}

	results := make([]ScopeSummary, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, sc := range targets {
		g.Go(func() error {
			res, err := r.reconcileScope(gctx, summary.RunID, sc)
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	for _, id := range slices.Sorted(maps.Keys(failed)) {
		results = append(results, ScopeSummary{ScopeID: id, Error: failed[id].Error()})
	}
	summary.Scopes = results

	log.Info("reconciliation finished",
		slog.Int("scopes", len(live)),
		slog.Int("mutations", summary.Mutations()),
		slog.Duration("duration", r.now().Sub(started)))
	return summary, ctx.Err()
}

// reconcileScopes diffs the scope registry itself: new and returning scopes
// are enrolled, renamed ones updated and vanished ones unenrolled. Scopes
// whose registry mutation failed are returned and sit out the pass.
func (r *Reconciler) reconcileScopes(ctx context.Context, log *slog.Logger, runID string, live, persisted []entity.Scope, summary *Summary) map[string]error {
	diff := Diff(live, persisted, scopeKey, entity.Scope.Project, scopeActive)
	var ms []mutation.Mutation
	for _, sc := range diff.ToInsert {
		ms = append(ms, mutation.Enroll(sc))
	}
	for _, sc := range diff.Reappeared {
		ms = append(ms, mutation.Enroll(sc))
	}
	for _, u := range diff.ToUpdate {
		ms = append(ms, mutation.UpdateScope(u.Live.ID, u.Changes))
	}
	for _, sc := range diff.ToRetire {
		ms = append(ms, mutation.Unenroll(sc.ID, r.now()))
	}
	failed := map[string]error{}
	for _, m := range ms {
		res, err := r.writer.Apply(ctx, mutation.Batch{ScopeID: m.ScopeID, Origin: mutation.OriginReconcile, RunID: runID, Mutations: []mutation.Mutation{m}})
		if err == nil && res.Rejected > 0 {
			err = fmt.Errorf("%s: rejected", m)
		}
		if err != nil {
			log.Error("scope mutation failed, scope skipped this pass",
				slog.String(logger.KeyScopeID, m.ScopeID),
				logger.Entity(string(m.Kind), m.EntityID),
				slog.String("op", string(m.Op)),
				slog.Any("error", err))
			r.metrics.RecordScopeSkipped(ctx, "registry")
			failed[m.ScopeID] = fmt.Errorf("scope %s: %w", m.ScopeID, err)
			continue
		}
		switch m.Op {
		case mutation.OpEnroll:
			summary.Enrolled++
		case mutation.OpUpdate:
			summary.Updated++
		case mutation.OpUnenroll:
			summary.Unenrolled++
		}
	}
	return failed
}

// ReconcileScope runs one scope's pass: channels and members first, then the
// message history of every channel that has one.
func (r *Reconciler) ReconcileScope(ctx context.Context, sc entity.Scope) (ScopeSummary, error) {
	return r.reconcileScope(ctx, uuid.NewString(), sc)
}

func (r *Reconciler) reconcileScope(ctx context.Context, runID string, sc entity.Scope) (summary ScopeSummary, err error) {
	summary.ScopeID = sc.ID
	log := logger.Scope(r.logger, sc.ID).With(slog.String(logger.KeyRunID, runID))
	started := r.now()
	defer func() {
		summary.Duration = r.now().Sub(started)
		outcome := "ok"
		switch {
		case summary.Skipped:
			outcome = "skipped"
		case err != nil:
			outcome = "failed"
		}
		r.metrics.RecordReconcile(ctx, summary.Duration, outcome)
	}()

	if r.opts.ScopeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ScopeTimeout)
		defer cancel()
	}
	if err := r.registry.EnsureProvisioned(ctx, sc.ID); err != nil {
		return summary, fmt.Errorf("provision: %w", err)
	}

	// The stored side is read before the live snapshot: rows the ingest path
	// writes while the snapshot is fetched are then never retirement candidates.
	var (
		storedChannels []entity.Channel
		storedMembers  []entity.Member
	)
	err = r.store.View(ctx, sc.ID, func(tx *store.Tx) error {
		var err error
		if storedChannels, err = tx.Channels(ctx); err != nil {
			return err
		}
		storedMembers, err = tx.Members(ctx)
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("load persisted channels and members: %w", err)
	}

	liveChannels, err := r.source.ListChannels(ctx, sc.ID)
	if err != nil {
		return r.skip(ctx, log, summary, err)
	}
	liveMembers, err := r.source.ListMembers(ctx, sc.ID)
	if err != nil {
		return r.skip(ctx, log, summary, err)
	}

	channels := Diff(liveChannels, storedChannels, channelKey, entity.Channel.Project, channelActive)
	members := Diff(liveMembers, storedMembers, memberKey, entity.Member.Project, memberActive)
	for _, c := range channels.Reappeared {
		log.Warn("deleted channel present in live state, not reactivated", logger.Entity(string(entity.KindChannel), c.ID))
		r.metrics.RecordAnomaly(ctx, string(entity.KindChannel))
	}
	if n := len(members.ToRetire); n > 0 {
		log.Debug("members absent from live state kept as is", slog.Int("count", n))
	}

	var ms []mutation.Mutation
	for _, c := range channels.ToInsert {
		ms = append(ms, mutation.InsertChannel(c))
	}
	for _, u := range channels.ToUpdate {
		ms = append(ms, mutation.UpdateChannel(sc.ID, u.Live.ID, u.Changes))
	}
	for _, c := range channels.ToRetire {
		ms = append(ms, mutation.SoftDeleteChannel(sc.ID, c.ID, r.now()))
	}
	for _, m := range members.ToInsert {
		ms = append(ms, mutation.InsertMember(m))
	}
	for _, u := range members.ToUpdate {
		ms = append(ms, mutation.UpdateMember(sc.ID, u.Live.ID, u.Changes))
	}
	if err := r.apply(ctx, &summary, sc.ID, runID, ms); err != nil {
		return summary, err
	}

	for _, c := range liveChannels {
		if !source.HasHistory(c.Type) {
			continue
		}
		if err := r.reconcileChannel(ctx, log, &summary, runID, sc.ID, c.ID); err != nil {
			if errors.Is(err, source.ErrUnavailable) {
				return r.skip(ctx, log, summary, err)
			}
			return summary, err
		}
	}
	if summary.Mutations > 0 {
		log.Info("scope reconciled", slog.Int("mutations", summary.Mutations), slog.Int("applied", summary.Applied))
	}
	return summary, nil
}

func (r *Reconciler) reconcileChannel(ctx context.Context, log *slog.Logger, summary *ScopeSummary, runID, scopeID, channelID string) error {
	var persisted []entity.Message
	err := r.store.View(ctx, scopeID, func(tx *store.Tx) error {
		var err error
		persisted, err = tx.Messages(ctx, channelID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load persisted messages of %s: %w", channelID, err)
	}
	live, err := r.source.ListMessageHistory(ctx, scopeID, channelID)
	if errors.Is(err, source.ErrForbidden) {
		log.Warn("message history not readable, channel left as is", logger.Entity(string(entity.KindChannel), channelID))
		return nil
	}
	if err != nil {
		return err
	}
	if r.opts.HistoryLimit > 0 && len(live) >= r.opts.HistoryLimit {
		persisted = since(persisted, live[0].CreatedAt)
	}

	diff := DiffMessages(live, persisted)
	ms := make([]mutation.Mutation, 0, len(diff.ToInsert)+len(diff.ToMarkEdited)+len(diff.ToSoftDeleteMessages))
	for _, m := range diff.ToInsert {
		ms = append(ms, mutation.InsertMessage(m))
	}
	for _, m := range diff.ToMarkEdited {
		at := r.now()
		if m.EditedAt != nil {
			at = *m.EditedAt
		}
		ms = append(ms, mutation.MarkEdited(scopeID, channelID, m.ID, m.Content, at))
	}
	for _, m := range diff.ToSoftDeleteMessages {
		ms = append(ms, mutation.SoftDeleteMessage(scopeID, channelID, m.ID, r.now()))
	}
	return r.apply(ctx, summary, scopeID, runID, ms)
}

func (r *Reconciler) apply(ctx context.Context, summary *ScopeSummary, scopeID, runID string, ms []mutation.Mutation) error {
	if len(ms) == 0 {
		return nil
	}
	res, err := r.writer.Apply(ctx, mutation.Batch{ScopeID: scopeID, Origin: mutation.OriginReconcile, RunID: runID, Mutations: ms})
	summary.absorb(len(ms), res)
	return err
}

// skip abandons a scope whose live state could not be fetched; the next pass retries it.
func (r *Reconciler) skip(ctx context.Context, log *slog.Logger, summary ScopeSummary, err error) (ScopeSummary, error) {
	summary.Skipped = true
	reason := "source_unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	r.metrics.RecordScopeSkipped(ctx, reason)
	log.Warn("scope skipped until next pass", slog.String("reason", reason), slog.Any("error", err))
	return summary, fmt.Errorf("%w: %w", source.ErrUnavailable, err)
}

func filterScopes(scopes []entity.Scope, ids []string) []entity.Scope {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]entity.Scope, 0, len(ids))
	for _, sc := range scopes {
		if _, ok := want[sc.ID]; ok {
			out = append(out, sc)
		}
	}
	return out
}

func since(msgs []entity.Message, from time.Time) []entity.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.CreatedAt.Before(from) {
			out = append(out, m)
		}
	}
	return out
}
