package vault

import (
	"context"
	"time"
)

// Store describes persistence operations required by the recovery engine.
// All status changes go through conditional transitions so that a losing
// concurrent writer observes applied=false instead of corrupting state.
type Store interface {
	Vaults() VaultStore
	Guardians() GuardianStore
	Beneficiaries() BeneficiaryStore
	Recoveries() RecoveryStore
}

// VaultStore manages vault rows.
type VaultStore interface {
	// Create persists a new vault. Returns ErrConflict when the owner
	// already has one.
	Create(ctx context.Context, v *Vault) error
	Find(ctx context.Context, id string) (*Vault, error)
	FindByOwner(ctx context.Context, ownerID string) (*Vault, error)
	// SaveConfig persists threshold, guardian count, inactivity threshold
	// and timelock.
	SaveConfig(ctx context.Context, v *Vault) error
	// Touch sets lastActivityAt.
	Touch(ctx context.Context, id string, at time.Time) error
	// Transition sets status to `to` only if the current status is one of
	// `from`. Returns whether the update was applied.
	Transition(ctx context.Context, id string, from []VaultStatus, to VaultStatus) (bool, error)
	ListByStatus(ctx context.Context, status VaultStatus) ([]*Vault, error)
}

// GuardianStore manages guardian rows.
type GuardianStore interface {
	Create(ctx context.Context, g *Guardian) error
	Find(ctx context.Context, id string) (*Guardian, error)
	FindByToken(ctx context.Context, token string) (*Guardian, error)
	ListByVault(ctx context.Context, vaultID string) ([]*Guardian, error)
	Save(ctx context.Context, g *Guardian) error
}

// BeneficiaryStore manages beneficiary rows.
type BeneficiaryStore interface {
	Create(ctx context.Context, b *Beneficiary) error
	Find(ctx context.Context, id string) (*Beneficiary, error)
	FindByToken(ctx context.Context, token string) (*Beneficiary, error)
	ListByVault(ctx context.Context, vaultID string) ([]*Beneficiary, error)
	Save(ctx context.Context, b *Beneficiary) error
}

// TransitionUpdate carries the column stamps applied together with a
// recovery status transition.
type TransitionUpdate struct {
	ThresholdMetAt  *time.Time
	ExecuteAfter    *time.Time
	ClearStamps     bool
	DisbursementRef string
	CancelReason    string
}

// RecoveryStore manages recovery requests and guardian approvals.
type RecoveryStore interface {
	// Create persists a new request. Returns ErrConflict when a
	// non-terminal request already exists for the vault (single-flight).
	Create(ctx context.Context, r *RecoveryRequest) error
	Find(ctx context.Context, id string) (*RecoveryRequest, error)
	// FindOpenByVault returns the single non-terminal request for the
	// vault, or ErrNotFound.
	FindOpenByVault(ctx context.Context, vaultID string) (*RecoveryRequest, error)
	ListOpen(ctx context.Context) ([]*RecoveryRequest, error)
	// Transition sets status to `to` only if the current status is one of
	// `from`, applying upd atomically. Returns whether it was applied.
	Transition(ctx context.Context, id string, from []RecoveryStatus, to RecoveryStatus, upd TransitionUpdate) (bool, error)
	// AddApproval inserts an approval; returns false when the guardian
	// already approved this request (idempotent under races).
	AddApproval(ctx context.Context, requestID, guardianID string, at time.Time) (bool, error)
	Approvals(ctx context.Context, requestID string) ([]GuardianApproval, error)
}
