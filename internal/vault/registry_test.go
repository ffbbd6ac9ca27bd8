package vault

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateVaultOnePerOwner(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateVault(ctx, "owner-1"); err != nil {
		t.Fatalf("first CreateVault: %v", err)
	}
	_, err := svc.CreateVault(ctx, "owner-1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for second vault, got %v", err)
	}
}

func TestCreateVaultDefaults(t *testing.T) {
	svc, clock, _, _ := newTestService(t)
	v, err := svc.CreateVault(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if v.Status != VaultDraft {
		t.Fatalf("expected draft, got %s", v.Status)
	}
	if v.InactivityThresholdDays != DefaultInactivityThresholdDays || v.TimelockDays != DefaultTimelockDays {
		t.Fatalf("unexpected defaults: %+v", v)
	}
	if !v.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("lastActivityAt not stamped: %v", v.LastActivityAt)
	}
}

func TestConfigureValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	bad := []VaultConfig{
		{InactivityThresholdDays: 0, TimelockDays: 7, ThresholdApprovals: 1, GuardianCount: 1},
		{InactivityThresholdDays: 366, TimelockDays: 7, ThresholdApprovals: 1, GuardianCount: 1},
		{InactivityThresholdDays: 30, TimelockDays: 0, ThresholdApprovals: 1, GuardianCount: 1},
		{InactivityThresholdDays: 30, TimelockDays: 7, ThresholdApprovals: 0, GuardianCount: 1},
		{InactivityThresholdDays: 30, TimelockDays: 7, ThresholdApprovals: 3, GuardianCount: 2},
	}
	for i, cfg := range bad {
		if _, err := svc.Configure(ctx, v.ID, cfg); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	got, err := svc.Configure(ctx, v.ID, VaultConfig{
		InactivityThresholdDays: 45,
		TimelockDays:            14,
		ThresholdApprovals:      2,
		GuardianCount:           3,
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got.InactivityThresholdDays != 45 || got.TimelockDays != 14 || got.ThresholdApprovals != 2 || got.GuardianCount != 3 {
		t.Fatalf("config not persisted: %+v", got)
	}
}

func TestActivateRequirements(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	if _, err := svc.Activate(ctx, v.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without guardian, got %v", err)
	}

	g, err := svc.InviteGuardian(ctx, v.ID, "g@example.com", "G")
	if err != nil {
		t.Fatalf("InviteGuardian: %v", err)
	}
	if _, err := svc.AcceptInvite(ctx, g.InviteToken); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}

	// A pending beneficiary is not enough; it has to be confirmed.
	b, err := svc.AddBeneficiary(ctx, v.ID, "Heir", "heir@example.com", 100)
	if err != nil {
		t.Fatalf("AddBeneficiary: %v", err)
	}
	if _, err := svc.Activate(ctx, v.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without confirmed beneficiary, got %v", err)
	}

	if _, err := svc.ConfirmBeneficiary(ctx, b.ConfirmToken); err != nil {
		t.Fatalf("ConfirmBeneficiary: %v", err)
	}
	got, err := svc.Activate(ctx, v.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got.Status != VaultActive {
		t.Fatalf("expected active, got %s", got.Status)
	}

	if _, err := svc.Activate(ctx, v.ID); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState on double activate, got %v", err)
	}
}

func TestCheckInIdempotent(t *testing.T) {
	svc, clock, _, _ := newTestService(t)
	ctx := context.Background()
	v, _ := activeVault(t, svc, 1, 1)

	clock.Advance(time.Hour)
	first, err := svc.CheckIn(ctx, v.ID)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.CheckIn(ctx, v.ID); err != nil {
			t.Fatalf("repeated CheckIn #%d: %v", i, err)
		}
	}
	got, err := svc.Vault(ctx, v.ID)
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	if got.Status != first.Status || got.ThresholdApprovals != first.ThresholdApprovals {
		t.Fatalf("state drifted across check-ins: %+v vs %+v", got, first)
	}
	if !got.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("lastActivityAt not updated: %v", got.LastActivityAt)
	}
}

func TestCheckInAfterExecutionFails(t *testing.T) {
	svc, clock, _, _ := newTestService(t)
	ctx := context.Background()
	v, guardians := activeVault(t, svc, 1, 1)

	req, err := svc.OpenRecovery(ctx, v.ID, OriginClaimantInitiated, "claimant-1")
	if err != nil {
		t.Fatalf("OpenRecovery: %v", err)
	}
	if _, err := svc.Approve(ctx, req.ID, guardians[0].ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	clock.Advance(8 * 24 * time.Hour)
	got, err := svc.Tick(ctx, req.ID)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got.Status != RecoveryExecuted {
		t.Fatalf("expected executed, got %s", got.Status)
	}

	// Inheritance execution is final; check-in cannot roll it back.
	if _, err := svc.CheckIn(ctx, v.ID); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
}
