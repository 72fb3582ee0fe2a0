// Package registry tracks the enrollment lifecycle of scopes:
// Unknown → Enrolled → Unenrolled → Enrolled → …
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/store"
)

// ErrUnknownScope is returned for scopes that were never enrolled.
var ErrUnknownScope = errors.New("unknown scope")

// Transition names the lifecycle step an Enroll performed.
type Transition string

const (
	TransitionEnrolled   Transition = "enrolled"
	TransitionReenrolled Transition = "reenrolled"
	TransitionRefreshed  Transition = "refreshed"
)

// EnrollResult describes an enrollment.
type EnrollResult struct {
	Transition  Transition
	Provisioned bool
}

type Registry struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(log *slog.Logger, s *store.Store) *Registry {
	return &Registry{
		store:  s,
		logger: log.With(slog.String("service", "registry")),
		now:    time.Now,
	}
}

// Enroll records a scope sighting. A scope seen for the first time gets a
// registry row and a fresh table set; a known scope is flipped back to
// enrolled without re-provisioning.
func (r *Registry) Enroll(ctx context.Context, sc entity.Scope) (EnrollResult, error) {
	if err := store.ValidateScopeID(sc.ID); err != nil {
		return EnrollResult{}, err
	}
	if sc.EnrolledAt.IsZero() {
		sc.EnrolledAt = r.now()
	}
	log := r.logger.With(slog.String("scope_id", sc.ID))

	var result EnrollResult
	err := r.store.InsertScope(ctx, sc)
	switch {
	case err == nil:
		result.Transition = TransitionEnrolled
	case errors.Is(err, store.ErrScopeExists):
		prev, gerr := r.store.Scope(ctx, sc.ID)
		if gerr != nil {
			return EnrollResult{}, fmt.Errorf("load scope %s: %w", sc.ID, gerr)
		}
		if _, err := r.store.ReenrollScope(ctx, sc); err != nil {
			return EnrollResult{}, fmt.Errorf("re-enroll scope %s: %w", sc.ID, err)
		}
		result.Transition = TransitionRefreshed
		if !prev.CurrentlyEnrolled {
			result.Transition = TransitionReenrolled
		}
	default:
		return EnrollResult{}, fmt.Errorf("enroll scope %s: %w", sc.ID, err)
	}

	prov, err := r.store.EnsureSchema(ctx, sc.ID)
	if err != nil {
		return result, fmt.Errorf("provision scope %s: %w", sc.ID, err)
	}
	result.Provisioned = prov.Created
	if result.Transition != TransitionRefreshed {
		log.Info("scope "+string(result.Transition), slog.Bool("provisioned", result.Provisioned))
	}
	return result, nil
}

// Unenroll marks a scope as left. Its tables and history are retained.
func (r *Registry) Unenroll(ctx context.Context, scopeID string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = r.now()
	}
	changed, err := r.store.UnenrollScope(ctx, scopeID, at)
	if err != nil {
		return false, fmt.Errorf("unenroll scope %s: %w", scopeID, err)
	}
	if changed {
		r.logger.Info("scope unenrolled", slog.String("scope_id", scopeID))
	}
	return changed, nil
}

// Update writes changed scope fields (name, owner).
func (r *Registry) Update(ctx context.Context, scopeID string, changes entity.Fields) (bool, error) {
	changed, err := r.store.UpdateScope(ctx, scopeID, changes)
	if err != nil {
		return false, fmt.Errorf("update scope %s: %w", scopeID, err)
	}
	return changed, nil
}

// EnsureProvisioned makes sure the scope's tables exist before first use.
func (r *Registry) EnsureProvisioned(ctx context.Context, scopeID string) error {
	_, err := r.store.EnsureSchema(ctx, scopeID)
	return err
}

// Get returns the registry row of a scope.
func (r *Registry) Get(ctx context.Context, scopeID string) (entity.Scope, error) {
	sc, err := r.store.Scope(ctx, scopeID)
	if errors.Is(err, store.ErrNotFound) {
		return entity.Scope{}, fmt.Errorf("%w: %s", ErrUnknownScope, scopeID)
	}
	return sc, err
}

// All returns every scope ever enrolled.
func (r *Registry) All(ctx context.Context) ([]entity.Scope, error) {
	return r.store.Scopes(ctx)
}

// Enrolled returns the scopes currently enrolled.
func (r *Registry) Enrolled(ctx context.Context) ([]entity.Scope, error) {
	all, err := r.store.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sc := range all {
		if sc.CurrentlyEnrolled {
			out = append(out, sc)
		}
	}
	return out, nil
}
