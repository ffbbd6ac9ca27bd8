package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAllocationCap(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	if _, err := svc.AddBeneficiary(ctx, v.ID, "Alice", "alice@example.com", 60); err != nil {
		t.Fatalf("add Alice: %v", err)
	}
	_, err = svc.AddBeneficiary(ctx, v.ID, "Bob", "bob@example.com", 50)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "current: 60%, adding: 50%") {
		t.Fatalf("message must carry both totals, got %q", err.Error())
	}

	// 40% still fits exactly.
	if _, err := svc.AddBeneficiary(ctx, v.ID, "Bob", "bob@example.com", 40); err != nil {
		t.Fatalf("add Bob at 40%%: %v", err)
	}
}

func TestUpdateExcludesSelfFromSum(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	alice, err := svc.AddBeneficiary(ctx, v.ID, "Alice", "alice@example.com", 60)
	if err != nil {
		t.Fatalf("add Alice: %v", err)
	}
	if _, err := svc.AddBeneficiary(ctx, v.ID, "Bob", "bob@example.com", 30); err != nil {
		t.Fatalf("add Bob: %v", err)
	}

	// Alice 60 -> 70 fits (30 + 70 = 100); 60 -> 80 does not.
	pct := 70
	if _, err := svc.UpdateBeneficiary(ctx, alice.ID, BeneficiaryChanges{Percentage: &pct}); err != nil {
		t.Fatalf("update to 70%%: %v", err)
	}
	pct = 80
	if _, err := svc.UpdateBeneficiary(ctx, alice.ID, BeneficiaryChanges{Percentage: &pct}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict at 80%%, got %v", err)
	}
}

func TestRemoveFreesHeadroom(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	alice, err := svc.AddBeneficiary(ctx, v.ID, "Alice", "alice@example.com", 80)
	if err != nil {
		t.Fatalf("add Alice: %v", err)
	}
	if _, err := svc.AddBeneficiary(ctx, v.ID, "Bob", "bob@example.com", 40); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict before removal, got %v", err)
	}
	if err := svc.RemoveBeneficiary(ctx, alice.ID); err != nil {
		t.Fatalf("RemoveBeneficiary: %v", err)
	}
	if _, err := svc.AddBeneficiary(ctx, v.ID, "Bob", "bob@example.com", 40); err != nil {
		t.Fatalf("add Bob after removal: %v", err)
	}

	// Removal is idempotent and always permitted.
	if err := svc.RemoveBeneficiary(ctx, alice.ID); err != nil {
		t.Fatalf("second RemoveBeneficiary: %v", err)
	}
}

func TestAllocationsPreserveRemainder(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	alice, err := svc.AddBeneficiary(ctx, v.ID, "Alice", "alice@example.com", 55)
	if err != nil {
		t.Fatalf("add Alice: %v", err)
	}
	if _, err := svc.ConfirmBeneficiary(ctx, alice.ConfirmToken); err != nil {
		t.Fatalf("ConfirmBeneficiary: %v", err)
	}
	// Bob never confirms: his share is not disbursed.
	if _, err := svc.AddBeneficiary(ctx, v.ID, "Bob", "bob@example.com", 25); err != nil {
		t.Fatalf("add Bob: %v", err)
	}

	allocations, err := svc.AllocationsFor(ctx, v.ID)
	if err != nil {
		t.Fatalf("AllocationsFor: %v", err)
	}
	if len(allocations) != 1 {
		t.Fatalf("expected 1 confirmed allocation, got %d", len(allocations))
	}
	// The 45% remainder stays unallocated; owner intent is never "fixed up".
	if allocations[0].Recipient != "alice@example.com" || allocations[0].SharePercent != 55 {
		t.Fatalf("unexpected allocation: %+v", allocations[0])
	}
}

func TestBeneficiaryValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	v, err := svc.CreateVault(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	cases := []struct {
		name  string
		email string
		pct   int
	}{
		{"", "a@example.com", 10},
		{"Alice", "", 10},
		{"Alice", "a@example.com", 0},
		{"Alice", "a@example.com", 101},
	}
	for i, c := range cases {
		if _, err := svc.AddBeneficiary(ctx, v.ID, c.name, c.email, c.pct); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}
