package vault

import (
	"context"
	"errors"
	"strings"

	"heirloom.org/internal/ids"
)

// CreateVault opens a draft vault for the owner with default configuration.
// One vault per owner.
func (s *Service) CreateVault(ctx context.Context, ownerID string) (*Vault, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, validationf("owner id is required")
	}

	now := s.now()
	v := &Vault{
		ID:                      ids.New(),
		OwnerID:                 ownerID,
		Status:                  VaultDraft,
		ThresholdApprovals:      DefaultThresholdApprovals,
		GuardianCount:           DefaultGuardianCount,
		InactivityThresholdDays: DefaultInactivityThresholdDays,
		TimelockDays:            DefaultTimelockDays,
		LastActivityAt:          now,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.store.Vaults().Create(ctx, v); err != nil {
		if errors.Is(err, ErrConflict) {
			// Per the product contract a second vault for the same
			// owner is an input error, not a conflict.
			return nil, validationf("owner %s already has a vault", ownerID)
		}
		return nil, err
	}
	return v, nil
}

// VaultConfig carries the owner-settable knobs.
type VaultConfig struct {
	InactivityThresholdDays int `json:"inactivity_threshold_days"`
	TimelockDays            int `json:"timelock_days"`
	ThresholdApprovals      int `json:"threshold_approvals"`
	GuardianCount           int `json:"guardian_count"`
}

// Configure validates and persists the vault configuration. Not permitted
// once a recovery attempt is in flight or the vault is executed.
func (s *Service) Configure(ctx context.Context, vaultID string, cfg VaultConfig) (*Vault, error) {
	if cfg.InactivityThresholdDays < 1 || cfg.InactivityThresholdDays > 365 {
		return nil, validationf("inactivity threshold must be between 1 and 365 days, got %d", cfg.InactivityThresholdDays)
	}
	if cfg.TimelockDays < 1 {
		return nil, validationf("timelock must be at least 1 day, got %d", cfg.TimelockDays)
	}
	if cfg.ThresholdApprovals < 1 {
		return nil, validationf("threshold must be at least 1, got %d", cfg.ThresholdApprovals)
	}
	if cfg.GuardianCount < 1 {
		return nil, validationf("guardian count must be at least 1, got %d", cfg.GuardianCount)
	}
	if cfg.ThresholdApprovals > cfg.GuardianCount {
		return nil, validationf("threshold %d exceeds guardian count %d", cfg.ThresholdApprovals, cfg.GuardianCount)
	}

	v, err := s.store.Vaults().Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case VaultDraft, VaultActive:
	case VaultRecoveryPending, VaultTriggered:
		return nil, statef("vault %s has a recovery attempt in flight", vaultID)
	case VaultExecuted:
		return nil, statef("vault %s is executed", vaultID)
	}

	v.InactivityThresholdDays = cfg.InactivityThresholdDays
	v.TimelockDays = cfg.TimelockDays
	v.ThresholdApprovals = cfg.ThresholdApprovals
	v.GuardianCount = cfg.GuardianCount
	v.UpdatedAt = s.now()
	if err := s.store.Vaults().SaveConfig(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CheckIn records owner liveness. Idempotent: repeated calls only move
// lastActivityAt forward. An in-flight inactivity-originated recovery attempt
// is cancelled as a side effect; a claimant-initiated one is left alone and
// must be cancelled explicitly.
func (s *Service) CheckIn(ctx context.Context, vaultID string) (*Vault, error) {
	v, err := s.store.Vaults().Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.Status == VaultExecuted {
		return nil, statef("vault %s is executed; check-in can no longer roll anything back", vaultID)
	}

	now := s.now()
	if err := s.store.Vaults().Touch(ctx, v.ID, now); err != nil {
		return nil, err
	}
	v.LastActivityAt = now

	req, err := s.store.Recoveries().FindOpenByVault(ctx, v.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return v, nil
	case err != nil:
		return nil, err
	}
	if req.Origin != OriginOwnerInactivity {
		return v, nil
	}
	if err := s.Cancel(ctx, req.ID, "owner check-in"); err != nil && !errors.Is(err, ErrState) {
		return nil, err
	}
	return s.store.Vaults().Find(ctx, v.ID)
}

// Activate moves the vault from draft to active. Requires at least one
// confirmed beneficiary and one accepted guardian.
func (s *Service) Activate(ctx context.Context, vaultID string) (*Vault, error) {
	v, err := s.store.Vaults().Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.Status != VaultDraft {
		return nil, statef("vault %s is %s, only draft vaults can be activated", vaultID, v.Status)
	}

	guardians, err := s.ListActiveGuardians(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if len(guardians) == 0 {
		return nil, validationf("vault %s needs at least one accepted guardian", vaultID)
	}

	beneficiaries, err := s.store.Beneficiaries().ListByVault(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	confirmed := 0
	for _, b := range beneficiaries {
		if b.Status == BeneficiaryConfirmed {
			confirmed++
		}
	}
	if confirmed == 0 {
		return nil, validationf("vault %s needs at least one confirmed beneficiary", vaultID)
	}

	applied, err := s.store.Vaults().Transition(ctx, v.ID, []VaultStatus{VaultDraft}, VaultActive)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, statef("vault %s changed state concurrently", vaultID)
	}
	if err := s.store.Vaults().Touch(ctx, v.ID, s.now()); err != nil {
		return nil, err
	}
	return s.store.Vaults().Find(ctx, v.ID)
}

// VaultByOwner resolves the caller's vault.
func (s *Service) VaultByOwner(ctx context.Context, ownerID string) (*Vault, error) {
	return s.store.Vaults().FindByOwner(ctx, ownerID)
}

// Vault returns the vault by id.
func (s *Service) Vault(ctx context.Context, vaultID string) (*Vault, error) {
	return s.store.Vaults().Find(ctx, vaultID)
}

// ActiveVaults lists vaults eligible for the inactivity sweep.
func (s *Service) ActiveVaults(ctx context.Context) ([]*Vault, error) {
	return s.store.Vaults().ListByStatus(ctx, VaultActive)
}
