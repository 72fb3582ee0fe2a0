// Package writer applies canonical mutations to the audit store.
//
// Batches for one scope are serialized; each entity-kind group of a batch is
// committed as its own transaction in dependency order (scope, then channel
// and member, then message and voice session).
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/auditor/internal/changefeed"
	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/metrics"
	"github.com/memohai/auditor/internal/mutation"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/store"
)

// Archiver stores an attachment payload and returns its blob key.
type Archiver interface {
	Archive(ctx context.Context, att entity.Attachment) (string, error)
}

// Outcome is what applying one mutation did to the store.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAnomaly  Outcome = "anomaly"
	OutcomeRejected Outcome = "rejected"
)

// ApplyResult tallies the outcomes of one batch.
type ApplyResult struct {
	Applied      int
	Skipped      int
	Anomalies    int
	Rejected     int
	BlobFailures int
	// Committed counts the entity-kind groups that committed.
	Committed int
}

func (r *ApplyResult) add(o Outcome) {
	switch o {
	case OutcomeApplied:
		r.Applied++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeAnomaly:
		r.Anomalies++
	case OutcomeRejected:
		r.Rejected++
	}
}

type Writer struct {
	store    *store.Store
	registry *registry.Registry
	archiver Archiver
	feed     changefeed.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	known map[string]struct{}
}

// Options carries the writer's optional collaborators.
type Options struct {
	Archiver Archiver
	Feed     changefeed.Publisher
	Metrics  *metrics.Metrics
}

func New(log *slog.Logger, s *store.Store, reg *registry.Registry, opts Options) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if opts.Feed == nil {
		opts.Feed = changefeed.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Writer{
		store:    s,
		registry: reg,
		archiver: opts.Archiver,
		feed:     opts.Feed,
		metrics:  opts.Metrics,
		logger:   log.With(slog.String("service", "writer")),
		now:      time.Now,
		locks:    map[string]*sync.Mutex{},
		known:    map[string]struct{}{},
	}
}

func (w *Writer) lock(scopeID string) func() {
	w.mu.Lock()
	l, ok := w.locks[scopeID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[scopeID] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Apply commits a batch against its scope. Mutations that fail validation are
// rejected and logged; the rest commit one transaction per entity kind. A
// failing group rolls back alone and stops the groups that depend on it.
func (w *Writer) Apply(ctx context.Context, b mutation.Batch) (ApplyResult, error) {
	var result ApplyResult
	if b.Len() == 0 {
		return result, nil
	}
	log := logger.Scope(w.logger, b.ScopeID).With(slog.String("origin", string(b.Origin)))
	if b.RunID != "" {
		log = log.With(slog.String(logger.KeyRunID, b.RunID))
	}

	unlock := w.lock(b.ScopeID)
	defer unlock()

	valid := make([]mutation.Mutation, 0, b.Len())
	for _, m := range b.Mutations {
		err := m.Validate()
		if err == nil && m.ScopeID != b.ScopeID {
			err = fmt.Errorf("%s: belongs to another scope than batch %s", m, b.ScopeID)
		}
		if err != nil {
			result.add(OutcomeRejected)
			log.Error("mutation rejected", logger.Entity(string(m.Kind), m.EntityID), slog.String("op", string(m.Op)), slog.Any("error", err))
			continue
		}
		valid = append(valid, m)
	}
	b.Mutations = valid

	for _, g := range b.ByKind() {
		if g.Kind == entity.KindMessage {
			w.archiveAttachments(ctx, log, g.Mutations, &result)
		}
		outcomes, err := w.applyGroup(ctx, log, b.ScopeID, g)
		if err != nil {
			for _, m := range g.Mutations {
				log.Error("mutation not applied", logger.Entity(string(m.Kind), m.EntityID), slog.String("op", string(m.Op)), slog.Any("error", err))
			}
			return result, fmt.Errorf("apply %s group for scope %s: %w", g.Kind, b.ScopeID, err)
		}
		result.Committed++
		applied := map[string]int{}
		for i, m := range g.Mutations {
			o := outcomes[i]
			result.add(o)
			w.metrics.RecordMutation(ctx, string(m.Kind), string(m.Op), o == OutcomeApplied)
			switch o {
			case OutcomeApplied:
				applied[string(m.Op)]++
				log.Debug("mutation applied", logger.Entity(string(m.Kind), m.EntityID), slog.String("op", string(m.Op)))
			case OutcomeAnomaly:
				w.metrics.RecordAnomaly(ctx, string(m.Kind))
				log.Warn("deleted record seen again, not reactivated", logger.Entity(string(m.Kind), m.EntityID), slog.String("op", string(m.Op)))
			}
		}
		if len(applied) > 0 {
			w.publish(ctx, log, changefeed.Summary{
				ScopeID:     b.ScopeID,
				Kind:        string(g.Kind),
				Origin:      string(b.Origin),
				RunID:       b.RunID,
				Applied:     applied,
				CommittedAt: w.now().UTC(),
			})
		}
	}
	return result, nil
}

func (w *Writer) publish(ctx context.Context, log *slog.Logger, s changefeed.Summary) {
	if err := w.feed.Publish(ctx, s); err != nil {
		log.Warn("change feed publish failed", slog.String(logger.KeyKind, s.Kind), slog.Any("error", err))
	}
}

// archiveAttachments fills missing blob keys before the message rows are
// written. Failures leave the key empty so a later pass can retry; the
// metadata row is written regardless.
func (w *Writer) archiveAttachments(ctx context.Context, log *slog.Logger, ms []mutation.Mutation, result *ApplyResult) {
	if w.archiver == nil {
		return
	}
	for j := range ms {
		m := &ms[j]
		if m.Op != mutation.OpInsert || m.Message == nil || len(m.Message.Attachments) == 0 {
			continue
		}
		msg := *m.Message
		msg.Attachments = append([]entity.Attachment(nil), msg.Attachments...)
		m.Message = &msg
		for i := range msg.Attachments {
			att := &msg.Attachments[i]
			if att.Key != "" {
				continue
			}
			key, err := w.archiver.Archive(ctx, *att)
			if err != nil {
				result.BlobFailures++
				w.metrics.RecordBlobFailure(ctx)
				log.Warn("attachment not archived",
					logger.Entity(string(m.Kind), m.EntityID),
					slog.String("attachment_id", att.ID),
					slog.Any("error", err))
				continue
			}
			att.Key = key
		}
	}
}

func (w *Writer) applyGroup(ctx context.Context, log *slog.Logger, scopeID string, g mutation.Group) ([]Outcome, error) {
	if g.Kind == entity.KindScope {
		return w.applyScope(ctx, g.Mutations)
	}
	if err := w.ensureEnrolled(ctx, log, scopeID); err != nil {
		return nil, err
	}
	var outcomes []Outcome
	err := w.store.Run(ctx, scopeID, func(tx *store.Tx) error {
		outcomes = make([]Outcome, 0, len(g.Mutations))
		for _, m := range g.Mutations {
			o, err := applyOne(ctx, tx, m)
			if err != nil {
				return fmt.Errorf("%s: %w", m, err)
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	return outcomes, err
}

// ensureEnrolled gives a scope seen for the first time through its records a
// registry row, so its tables are never orphaned from the registry. Name and
// owner are filled in by the next scope update or reconciliation pass.
func (w *Writer) ensureEnrolled(ctx context.Context, log *slog.Logger, scopeID string) error {
	w.mu.Lock()
	_, ok := w.known[scopeID]
	w.mu.Unlock()
	if ok {
		return nil
	}
	_, err := w.registry.Get(ctx, scopeID)
	switch {
	case errors.Is(err, registry.ErrUnknownScope):
		if _, err := w.registry.Enroll(ctx, entity.Scope{ID: scopeID}); err != nil {
			return fmt.Errorf("enroll scope on first sighting: %w", err)
		}
		log.Warn("records arrived before the scope was enrolled, enrolled on first sighting")
	case err != nil:
		return fmt.Errorf("look up scope: %w", err)
	}
	w.mu.Lock()
	w.known[scopeID] = struct{}{}
	w.mu.Unlock()
	return nil
}

// applyScope routes scope lifecycle mutations to the registry. Each one is
// its own unit of work on the global registry table.
func (w *Writer) applyScope(ctx context.Context, ms []mutation.Mutation) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(ms))
	for _, m := range ms {
		var (
			changed bool
			err     error
		)
		switch m.Op {
		case mutation.OpEnroll:
			_, err = w.registry.Enroll(ctx, *m.Scope)
			changed = err == nil
		case mutation.OpUpdate:
			changed, err = w.registry.Update(ctx, m.ScopeID, m.Changes)
		case mutation.OpUnenroll:
			changed, err = w.registry.Unenroll(ctx, m.ScopeID, m.At)
		default:
			err = fmt.Errorf("unsupported op")
		}
		if err != nil {
			return outcomes, fmt.Errorf("%s: %w", m, err)
		}
		outcomes = append(outcomes, outcomeOf(changed))
	}
	return outcomes, nil
}

var errUnsupported = errors.New("unsupported mutation")

func applyOne(ctx context.Context, tx *store.Tx, m mutation.Mutation) (Outcome, error) {
	var (
		changed bool
		err     error
	)
	switch m.Kind {
	case entity.KindChannel:
		switch m.Op {
		case mutation.OpInsert:
			changed, err = tx.UpsertChannel(ctx, *m.Channel)
			if err == nil && !changed {
				return OutcomeAnomaly, nil
			}
		case mutation.OpUpdate:
			changed, err = tx.UpdateChannel(ctx, m.EntityID, m.Changes)
		case mutation.OpSoftDelete:
			changed, err = tx.SoftDeleteChannel(ctx, m.EntityID, m.At)
		default:
			err = errUnsupported
		}
	case entity.KindMember:
		switch m.Op {
		case mutation.OpInsert:
			changed, err = tx.UpsertMember(ctx, *m.Member)
		case mutation.OpUpdate:
			changed, err = tx.UpdateMember(ctx, m.EntityID, m.Changes)
		default:
			err = errUnsupported
		}
	case entity.KindMessage:
		switch m.Op {
		case mutation.OpInsert:
			changed, err = tx.InsertMessage(ctx, *m.Message)
		case mutation.OpMarkEdited:
			changed, err = tx.MarkEdited(ctx, m.EntityID, m.Content, m.At)
		case mutation.OpSoftDelete:
			changed, err = tx.SoftDeleteMessage(ctx, m.EntityID, m.At)
		default:
			err = errUnsupported
		}
	case entity.KindVoiceSession:
		switch m.Op {
		case mutation.OpOpenVoice:
			changed, err = tx.OpenVoiceSession(ctx, *m.Voice)
		case mutation.OpCloseVoice:
			changed, err = tx.CloseVoiceSession(ctx, m.EntityID, m.At)
		default:
			err = errUnsupported
		}
	default:
		err = errUnsupported
	}
	if err != nil {
		return "", err
	}
	return outcomeOf(changed), nil
}

func outcomeOf(changed bool) Outcome {
	if changed {
		return OutcomeApplied
	}
	return OutcomeSkipped
}
