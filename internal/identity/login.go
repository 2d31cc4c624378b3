package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// RegisterRequest carries the fields needed to create a principal
type RegisterRequest struct {
	Username         string            `json:"username"`
	Password         string            `json:"password"`
	Role             rbac.Role         `json:"role"`
	Attributes       map[string]string `json:"attributes"`
	AssignedPatients []string          `json:"assigned_patients"`
}

// Login checks account status, then the password, and issues a token.
// A suspended or locked account is rejected before the password is looked at.
// mfa is the trusted authenticator's report that a second factor was verified.
func (r *Resolver) Login(ctx context.Context, username, password string, mfa bool) (*Token, error) {
	log := r.logger.WithContext(ctx).WithField("username", username)

	p, err := r.store.GetByUsername(ctx, username)
	if err != nil {
		if rbac.IsType(err, rbac.ErrorTypeNotFound) {
			r.metrics.RecordAuthAttempt("password", "unknown_user")
			return nil, rbac.AuthenticationFailure("invalid credentials", nil)
		}
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}

	now := r.now().UTC()
	if !p.Active {
		r.metrics.RecordAuthAttempt("password", "inactive")
		r.logger.Security("login_inactive_account", p.ID, map[string]interface{}{"username": username})
		return nil, rbac.AccountLocked(rbac.ReasonAccountInactive)
	}
	if p.IsLocked(now) {
		r.metrics.RecordAuthAttempt("password", "locked")
		return nil, rbac.AccountLocked(rbac.ReasonAccountLocked)
	}

	ok, err := r.passwords.VerifyPassword(p.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.metrics.RecordAuthAttempt("password", "failure")
		updated, err := r.RecordFailedLogin(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if updated.IsLocked(now) {
			r.logger.Security("account_locked", p.ID, map[string]interface{}{
				"locked_until": updated.LockedUntil.Format(time.RFC3339),
			})
		}
		return nil, rbac.AuthenticationFailure("invalid credentials", nil)
	}

	if p.FailedAttempts > 0 || p.LockedUntil != nil {
		if _, err := r.Mutate(ctx, p.ID, func(p *rbac.Principal) error {
			p.FailedAttempts = 0
			p.LockedUntil = nil
			return nil
		}); err != nil {
			return nil, err
		}
	}

	token, err := r.tokens.Issue(p, mfa)
	if err != nil {
		return nil, err
	}

	r.metrics.RecordAuthAttempt("password", "success")
	log.WithField("user_id", p.ID).WithField("mfa", mfa).Info("Login succeeded")
	return token, nil
}

// ChangePassword replaces the password and invalidates every token issued before now
func (r *Resolver) ChangePassword(ctx context.Context, principalID, currentPassword, newPassword string) error {
	if err := r.passwords.ValidatePassword(newPassword); err != nil {
		return err
	}

	p, err := r.store.Get(ctx, principalID)
	if err != nil {
		return err
	}
	ok, err := r.passwords.VerifyPassword(p.PasswordHash, currentPassword)
	if err != nil {
		return err
	}
	if !ok {
		return rbac.AuthenticationFailure("current password does not match", nil)
	}

	hash, err := r.passwords.HashPassword(newPassword)
	if err != nil {
		return err
	}

	// tokens carry the epoch in microseconds, the precision postgres stores
	invalidatedAt := r.now().UTC().Truncate(time.Microsecond)
	if _, err := r.Mutate(ctx, principalID, func(p *rbac.Principal) error {
		p.PasswordHash = hash
		p.CredentialsInvalidatedAt = &invalidatedAt
		return nil
	}); err != nil {
		return err
	}

	r.logger.Security("password_changed", principalID, nil)
	return nil
}

// Register creates a new active principal at version 1
func (r *Resolver) Register(ctx context.Context, req RegisterRequest) (*rbac.Principal, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "username", "username is required")
	}
	if !req.Role.Valid() {
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "role", fmt.Sprintf("unknown role %q", req.Role))
	}
	if err := r.passwords.ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := r.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	p := &rbac.Principal{
		ID:               uuid.New().String(),
		Username:         username,
		PasswordHash:     hash,
		Role:             req.Role,
		Attributes:       req.Attributes,
		AssignedPatients: req.AssignedPatients,
		Active:           true,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.Attributes == nil {
		p.Attributes = map[string]string{}
	}

	if err := r.store.Create(ctx, p); err != nil {
		return nil, err
	}

	r.logger.Audit(p.ID, "principal.register", rbac.ResourcePrincipal, true, map[string]interface{}{
		"username": username,
		"role":     string(p.Role),
	})
	return p, nil
}
