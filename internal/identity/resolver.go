package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Settings controls lockout and mutation retry behavior
type Settings struct {
	MaxFailedLogins  int
	LockoutDuration  time.Duration
	MutationAttempts int
}

// SettingsFromConfig extracts resolver settings from the access configuration
func SettingsFromConfig(cfg config.AccessConfig) Settings {
	return Settings{
		MaxFailedLogins:  cfg.MaxFailedLogins,
		LockoutDuration:  cfg.LockoutDuration,
		MutationAttempts: cfg.MutationAttempts,
	}
}

// DefaultSettings mirrors the configuration defaults
func DefaultSettings() Settings {
	return Settings{
		MaxFailedLogins:  rbac.DefaultMaxFailedLogins,
		LockoutDuration:  rbac.DefaultLockoutMinutes * time.Minute,
		MutationAttempts: rbac.DefaultMutationAttempts,
	}
}

// Resolver turns credentials into principal snapshots and owns every principal mutation
type Resolver struct {
	store     rbac.PrincipalStore
	tokens    *TokenManager
	passwords *PasswordManager
	settings  Settings
	logger    *logger.Logger
	metrics   *monitoring.Metrics
	now       func() time.Time
}

// NewResolver creates an identity context resolver
func NewResolver(store rbac.PrincipalStore, tokens *TokenManager, passwords *PasswordManager, settings Settings, log *logger.Logger, metrics *monitoring.Metrics) *Resolver {
	if settings.MutationAttempts <= 0 {
		settings.MutationAttempts = rbac.DefaultMutationAttempts
	}
	return &Resolver{
		store:     store,
		tokens:    tokens,
		passwords: passwords,
		settings:  settings,
		logger:    log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Resolve verifies the credential and returns an immutable snapshot of the principal.
// MFA is satisfied by the token's amr claim or by mfaSatisfied, a per-request attestation
// the caller must only pass when it comes from a trusted authenticator.
// On AccountLocked, and on a credential issued before the last invalidation, the snapshot
// is still returned next to the error so the resulting denial can be attributed.
func (r *Resolver) Resolve(ctx context.Context, credential string, mfaSatisfied bool) (*rbac.PrincipalSnapshot, error) {
	claims, err := r.tokens.Verify(credential)
	if err != nil {
		return nil, rbac.AuthenticationFailure("credential could not be verified", err)
	}

	p, err := r.store.Get(ctx, claims.Subject)
	if err != nil {
		if rbac.IsType(err, rbac.ErrorTypeNotFound) {
			return nil, rbac.AuthenticationFailure("principal no longer exists", err)
		}
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}

	now := r.now().UTC()
	snap := p.Snapshot(now, mfaSatisfied || claims.MFA())

	if !p.Active {
		return snap, rbac.AccountLocked(rbac.ReasonAccountInactive)
	}
	if p.IsLocked(now) {
		return snap, rbac.AccountLocked(rbac.ReasonAccountLocked)
	}
	if credentialEpoch(p) > claims.CredentialEpoch {
		return snap, rbac.NewAccessError(rbac.ErrorTypeAuthenticationFailure, rbac.ErrorCodeCredentialInvalidated,
			"credential issued before last invalidation")
	}

	return snap, nil
}

// Mutate applies fn to a fresh copy of the principal and stores it with compare-and-swap,
// retrying on version conflicts. fn may run more than once and must be free of side effects.
func (r *Resolver) Mutate(ctx context.Context, principalID string, fn func(p *rbac.Principal) error) (*rbac.Principal, error) {
	var lastErr error

	for attempt := 1; attempt <= r.settings.MutationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := r.store.Get(ctx, principalID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = r.now().UTC()

		err = r.store.CompareAndSwap(ctx, next, current.Version)
		if err == nil {
			next.Version = current.Version + 1
			return next, nil
		}
		if !errors.Is(err, rbac.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to store principal: %w", err)
		}

		lastErr = err
		r.metrics.RecordVersionConflict()
		r.logger.WithContext(ctx).WithField("principal_id", principalID).
			WithField("attempt", attempt).Debug("Principal version conflict, retrying")
	}

	return nil, rbac.ConcurrentModification(principalID, r.settings.MutationAttempts, lastErr)
}

// RecordFailedLogin increments the failed-attempt counter and locks the account at the threshold
func (r *Resolver) RecordFailedLogin(ctx context.Context, principalID string) (*rbac.Principal, error) {
	return r.Mutate(ctx, principalID, func(p *rbac.Principal) error {
		p.FailedAttempts++
		if r.settings.MaxFailedLogins > 0 && p.FailedAttempts >= r.settings.MaxFailedLogins {
			until := r.now().UTC().Add(r.settings.LockoutDuration)
			p.LockedUntil = &until
			p.FailedAttempts = 0
		}
		return nil
	})
}

// Store exposes the principal store for read-only collaborators
func (r *Resolver) Store() rbac.PrincipalStore {
	return r.store
}
