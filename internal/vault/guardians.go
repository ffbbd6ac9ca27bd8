package vault

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"heirloom.org/internal/ids"
)

// InviteGuardian creates a pending guardian with a single-use invite token
// valid for seven days. Duplicate invites for an email that is already
// pending or accepted on the vault are rejected.
func (s *Service) InviteGuardian(ctx context.Context, vaultID, email, name string) (*Guardian, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, validationf("guardian email is required")
	}

	v, err := s.store.Vaults().Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.Guardians().ListByVault(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	for _, g := range existing {
		if g.Email == email && g.Status != GuardianRevoked {
			return nil, conflictf("guardian %s is already %s on this vault", email, g.Status)
		}
	}

	now := s.now()
	g := &Guardian{
		ID:              ids.New(),
		VaultID:         v.ID,
		Email:           email,
		Name:            strings.TrimSpace(name),
		InviteToken:     uuid.NewString(),
		InviteExpiresAt: now.Add(inviteTokenTTL),
		Status:          GuardianPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Guardians().Create(ctx, g); err != nil {
		return nil, err
	}

	s.enqueueEffect(ctx, EffectGuardianInvite, g.Email, map[string]string{
		"vault_id": v.ID,
		"token":    g.InviteToken,
		"name":     g.Name,
	})
	return g, nil
}

// ReissueInvite replaces an expired or lost invite token for a still-pending
// guardian. Expired tokens are never reused.
func (s *Service) ReissueInvite(ctx context.Context, guardianID string) (*Guardian, error) {
	g, err := s.store.Guardians().Find(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if g.Status != GuardianPending {
		return nil, statef("guardian %s is %s, only pending invites can be reissued", guardianID, g.Status)
	}

	now := s.now()
	g.InviteToken = uuid.NewString()
	g.InviteExpiresAt = now.Add(inviteTokenTTL)
	g.UpdatedAt = now
	if err := s.store.Guardians().Save(ctx, g); err != nil {
		return nil, err
	}

	s.enqueueEffect(ctx, EffectGuardianInvite, g.Email, map[string]string{
		"vault_id": g.VaultID,
		"token":    g.InviteToken,
		"name":     g.Name,
	})
	return g, nil
}

// AcceptInvite turns a pending guardian into an accepted one. The token is
// single-use: a second accept is a conflict, an expired token a validation
// error.
func (s *Service) AcceptInvite(ctx context.Context, token string) (*Guardian, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, notFoundf("invite token not recognised")
	}
	g, err := s.store.Guardians().FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case GuardianAccepted:
		return nil, conflictf("invite token already used")
	case GuardianRevoked:
		return nil, statef("guardian %s is revoked", g.ID)
	case GuardianPending:
	}

	now := s.now()
	if now.After(g.InviteExpiresAt) {
		return nil, validationf("invite token expired at %s", g.InviteExpiresAt.Format("2006-01-02"))
	}

	g.Status = GuardianAccepted
	g.LastVerifiedAt = &now
	g.UpdatedAt = now
	if err := s.store.Guardians().Save(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// RevokeGuardian soft-revokes the guardian. Approvals the guardian already
// cast on an in-flight request stay recorded; live re-verification before
// execution is what discounts them.
func (s *Service) RevokeGuardian(ctx context.Context, guardianID string) (*Guardian, error) {
	g, err := s.store.Guardians().Find(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if g.Status == GuardianRevoked {
		return nil, statef("guardian %s is already revoked", guardianID)
	}

	g.Status = GuardianRevoked
	g.UpdatedAt = s.now()
	if err := s.store.Guardians().Save(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Guardian returns the guardian by id.
func (s *Service) Guardian(ctx context.Context, guardianID string) (*Guardian, error) {
	return s.store.Guardians().Find(ctx, guardianID)
}

// ListGuardians returns every guardian of the vault, revoked included.
func (s *Service) ListGuardians(ctx context.Context, vaultID string) ([]*Guardian, error) {
	return s.store.Guardians().ListByVault(ctx, vaultID)
}

// ListActiveGuardians returns the guardians currently eligible to approve.
func (s *Service) ListActiveGuardians(ctx context.Context, vaultID string) ([]*Guardian, error) {
	all, err := s.store.Guardians().ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	active := make([]*Guardian, 0, len(all))
	for _, g := range all {
		if g.Status == GuardianAccepted {
			active = append(active, g)
		}
	}
	return active, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
