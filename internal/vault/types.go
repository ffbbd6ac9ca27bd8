package vault

import (
	"context"
	"time"
)

// VaultStatus is the vault lifecycle state.
type VaultStatus string

const (
	VaultDraft           VaultStatus = "draft"
	VaultActive          VaultStatus = "active"
	VaultRecoveryPending VaultStatus = "recovery_pending"
	VaultTriggered       VaultStatus = "triggered"
	VaultExecuted        VaultStatus = "executed"
)

// Terminal reports whether the vault can never change state again.
func (s VaultStatus) Terminal() bool { return s == VaultExecuted }

// Vault holds the per-owner recovery and inheritance configuration.
// There is at most one vault per owner; vaults are never deleted.
type Vault struct {
	ID                      string      `json:"id"`
	OwnerID                 string      `json:"owner_id"`
	Status                  VaultStatus `json:"status"`
	ThresholdApprovals      int         `json:"threshold_approvals"`
	GuardianCount           int         `json:"guardian_count"`
	InactivityThresholdDays int         `json:"inactivity_threshold_days"`
	TimelockDays            int         `json:"timelock_days"`
	LastActivityAt          time.Time   `json:"last_activity_at"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// NextCheckInDueAt is the instant after which the vault counts as inactive.
func (v *Vault) NextCheckInDueAt() time.Time {
	return v.LastActivityAt.Add(time.Duration(v.InactivityThresholdDays) * 24 * time.Hour)
}

// GuardianStatus is the guardian lifecycle state.
type GuardianStatus string

const (
	GuardianPending  GuardianStatus = "pending"
	GuardianAccepted GuardianStatus = "accepted"
	GuardianRevoked  GuardianStatus = "revoked"
)

// Guardian is a trusted party who can approve recovery attempts for a vault.
// Guardians are soft-revoked, never deleted, to preserve the audit trail.
type Guardian struct {
	ID              string         `json:"id"`
	VaultID         string         `json:"vault_id"`
	Email           string         `json:"email"`
	Name            string         `json:"name,omitempty"`
	InviteToken     string         `json:"-"`
	InviteExpiresAt time.Time      `json:"invite_expires_at"`
	Status          GuardianStatus `json:"status"`
	LastVerifiedAt  *time.Time     `json:"last_verified_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BeneficiaryStatus is the beneficiary lifecycle state.
type BeneficiaryStatus string

const (
	BeneficiaryPending   BeneficiaryStatus = "pending"
	BeneficiaryConfirmed BeneficiaryStatus = "confirmed"
	BeneficiaryRemoved   BeneficiaryStatus = "removed"
)

// Beneficiary receives a percentage share of the vault assets on execution.
type Beneficiary struct {
	ID           string            `json:"id"`
	VaultID      string            `json:"vault_id"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Percentage   int               `json:"percentage"`
	Status       BeneficiaryStatus `json:"status"`
	ConfirmToken string            `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RecoveryOrigin distinguishes how a recovery attempt was started.
type RecoveryOrigin string

const (
	OriginOwnerInactivity   RecoveryOrigin = "owner_inactivity"
	OriginClaimantInitiated RecoveryOrigin = "claimant_initiated"
)

// RecoveryStatus is the recovery request lifecycle state.
type RecoveryStatus string

const (
	RecoveryCollecting      RecoveryStatus = "collecting"
	RecoveryThresholdMet    RecoveryStatus = "threshold_met"
	RecoveryTimelockPending RecoveryStatus = "timelock_pending"
	RecoveryExecuted        RecoveryStatus = "executed"
	RecoveryCancelled       RecoveryStatus = "cancelled"
	RecoveryExpired         RecoveryStatus = "expired"
)

// Terminal reports whether the request can never change state again.
func (s RecoveryStatus) Terminal() bool {
	switch s {
	case RecoveryExecuted, RecoveryCancelled, RecoveryExpired:
		return true
	case RecoveryCollecting, RecoveryThresholdMet, RecoveryTimelockPending:
		return false
	}
	return false
}

// RecoveryRequest tracks a single recovery attempt. At most one non-terminal
// request exists per vault.
type RecoveryRequest struct {
	ID              string         `json:"id"`
	VaultID         string         `json:"vault_id"`
	Origin          RecoveryOrigin `json:"origin"`
	InitiatedBy     string         `json:"initiated_by,omitempty"`
	Status          RecoveryStatus `json:"status"`
	OpenedAt        time.Time      `json:"opened_at"`
	ThresholdMetAt  *time.Time     `json:"threshold_met_at,omitempty"`
	ExecuteAfter    *time.Time     `json:"execute_after,omitempty"`
	DisbursementRef string         `json:"disbursement_ref,omitempty"`
	CancelReason    string         `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CollectionDeadline is the instant after which a request that never reached
// threshold expires. Default window: twice the timelock.
func (r *RecoveryRequest) CollectionDeadline(timelockDays int) time.Time {
	return r.OpenedAt.Add(2 * time.Duration(timelockDays) * 24 * time.Hour)
}

// GuardianApproval records one guardian's consent on one request.
// Unique on (RequestID, GuardianID).
type GuardianApproval struct {
	RequestID  string    `json:"request_id"`
	GuardianID string    `json:"guardian_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Allocation is one row of the disbursement table handed to the disbursement
// collaborator at execution time.
type Allocation struct {
	Recipient    string `json:"recipient"`
	Name         string `json:"name,omitempty"`
	SharePercent int    `json:"share_percent"`
}

// Disbursement is the collaborator's answer to a disburse call. Accepted
// means the transfer was taken over, not that it settled.
type Disbursement struct {
	Accepted  bool   `json:"accepted"`
	Reference string `json:"reference,omitempty"`
}

// Disburser hands the allocation table to the external disbursement service.
type Disburser interface {
	Disburse(ctx context.Context, vaultID string, allocations []Allocation) (Disbursement, error)
}

// EffectQueue records a durable side effect (typically a notification) to be
// delivered by the outbox worker. Implementations must never block a state
// transition on delivery.
type EffectQueue interface {
	Enqueue(ctx context.Context, kind, recipient string, vars map[string]string) error
}
