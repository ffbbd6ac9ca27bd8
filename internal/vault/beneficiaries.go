package vault

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"heirloom.org/internal/ids"
)

// AddBeneficiary registers a pending beneficiary. The sum of percentages over
// all non-removed beneficiaries of the vault must stay at or below 100.
func (s *Service) AddBeneficiary(ctx context.Context, vaultID, name, email string, percentage int) (*Beneficiary, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, validationf("beneficiary email is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationf("beneficiary name is required")
	}
	if percentage < 1 || percentage > 100 {
		return nil, validationf("percentage must be between 1 and 100, got %d", percentage)
	}

	v, err := s.store.Vaults().Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	current, err := s.allocatedPercent(ctx, v.ID, "")
	if err != nil {
		return nil, err
	}
	if current+percentage > 100 {
		return nil, conflictf("allocation exceeds 100%% (current: %d%%, adding: %d%%)", current, percentage)
	}

	now := s.now()
	b := &Beneficiary{
		ID:           ids.New(),
		VaultID:      v.ID,
		Name:         name,
		Email:        email,
		Percentage:   percentage,
		Status:       BeneficiaryPending,
		ConfirmToken: uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Beneficiaries().Create(ctx, b); err != nil {
		return nil, err
	}

	s.enqueueEffect(ctx, EffectBeneficiaryInvite, b.Email, map[string]string{
		"vault_id": v.ID,
		"token":    b.ConfirmToken,
		"name":     b.Name,
	})
	return b, nil
}

// BeneficiaryChanges carries the owner-settable beneficiary fields; nil
// means leave unchanged.
type BeneficiaryChanges struct {
	Name       *string `json:"name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Percentage *int    `json:"percentage,omitempty"`
}

// UpdateBeneficiary applies changes, re-validating the 100% invariant with
// the record under update excluded from the prior sum.
func (s *Service) UpdateBeneficiary(ctx context.Context, beneficiaryID string, changes BeneficiaryChanges) (*Beneficiary, error) {
	b, err := s.store.Beneficiaries().Find(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	if b.Status == BeneficiaryRemoved {
		return nil, statef("beneficiary %s is removed", beneficiaryID)
	}

	if changes.Percentage != nil {
		pct := *changes.Percentage
		if pct < 1 || pct > 100 {
			return nil, validationf("percentage must be between 1 and 100, got %d", pct)
		}
		others, err := s.allocatedPercent(ctx, b.VaultID, b.ID)
		if err != nil {
			return nil, err
		}
		if others+pct > 100 {
			return nil, conflictf("allocation exceeds 100%% (current: %d%%, adding: %d%%)", others, pct)
		}
		b.Percentage = pct
	}
	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		if name == "" {
			return nil, validationf("beneficiary name is required")
		}
		b.Name = name
	}
	if changes.Email != nil {
		email := normalizeEmail(*changes.Email)
		if email == "" {
			return nil, validationf("beneficiary email is required")
		}
		b.Email = email
	}

	b.UpdatedAt = s.now()
	if err := s.store.Beneficiaries().Save(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RemoveBeneficiary soft-removes the beneficiary, freeing allocation
// headroom. Always permitted.
func (s *Service) RemoveBeneficiary(ctx context.Context, beneficiaryID string) error {
	b, err := s.store.Beneficiaries().Find(ctx, beneficiaryID)
	if err != nil {
		return err
	}
	if b.Status == BeneficiaryRemoved {
		return nil
	}
	b.Status = BeneficiaryRemoved
	b.UpdatedAt = s.now()
	return s.store.Beneficiaries().Save(ctx, b)
}

// ConfirmBeneficiary marks the beneficiary confirmed via the emailed token.
func (s *Service) ConfirmBeneficiary(ctx context.Context, token string) (*Beneficiary, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, notFoundf("confirm token not recognised")
	}
	b, err := s.store.Beneficiaries().FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case BeneficiaryRemoved:
		return nil, statef("beneficiary %s is removed", b.ID)
	case BeneficiaryConfirmed:
		return b, nil
	case BeneficiaryPending:
	}

	b.Status = BeneficiaryConfirmed
	b.UpdatedAt = s.now()
	if err := s.store.Beneficiaries().Save(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Beneficiary returns one beneficiary by id.
func (s *Service) Beneficiary(ctx context.Context, beneficiaryID string) (*Beneficiary, error) {
	return s.store.Beneficiaries().Find(ctx, beneficiaryID)
}

// ListBeneficiaries returns every non-removed beneficiary of the vault.
func (s *Service) ListBeneficiaries(ctx context.Context, vaultID string) ([]*Beneficiary, error) {
	all, err := s.store.Beneficiaries().ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	out := make([]*Beneficiary, 0, len(all))
	for _, b := range all {
		if b.Status != BeneficiaryRemoved {
			out = append(out, b)
		}
	}
	return out, nil
}

// AllocationsFor returns the disbursement table: one row per confirmed
// beneficiary. Any remainder below 100% stays unallocated; it reflects
// explicit owner intent and is never redistributed.
func (s *Service) AllocationsFor(ctx context.Context, vaultID string) ([]Allocation, error) {
	all, err := s.store.Beneficiaries().ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	allocations := make([]Allocation, 0, len(all))
	for _, b := range all {
		if b.Status != BeneficiaryConfirmed {
			continue
		}
		allocations = append(allocations, Allocation{
			Recipient:    b.Email,
			Name:         b.Name,
			SharePercent: b.Percentage,
		})
	}
	return allocations, nil
}

// allocatedPercent sums percentages over non-removed beneficiaries of the
// vault, excluding excludeID.
func (s *Service) allocatedPercent(ctx context.Context, vaultID, excludeID string) (int, error) {
	all, err := s.store.Beneficiaries().ListByVault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	sum := 0
	for _, b := range all {
		if b.ID == excludeID || b.Status == BeneficiaryRemoved {
			continue
		}
		sum += b.Percentage
	}
	return sum, nil
}
