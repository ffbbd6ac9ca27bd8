package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"heirloom.org/internal/vault"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedDisburser answers per vault so one vault's failure can be observed
// next to another vault's success within the same sweep.
type scriptedDisburser struct {
	mu       sync.Mutex
	rejected map[string]bool
	calls    map[string]int
}

func newScriptedDisburser() *scriptedDisburser {
	return &scriptedDisburser{rejected: map[string]bool{}, calls: map[string]int{}}
}

func (d *scriptedDisburser) Disburse(ctx context.Context, vaultID string, allocations []vault.Allocation) (vault.Disbursement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[vaultID]++
	if d.rejected[vaultID] {
		return vault.Disbursement{Accepted: false}, nil
	}
	return vault.Disbursement{Accepted: true, Reference: "ref-" + vaultID}, nil
}

func newTestMonitor(t *testing.T, interval time.Duration) (*Monitor, *vault.Service, *fakeClock, *scriptedDisburser) {
	t.Helper()
	clock := newFakeClock()
	disburser := newScriptedDisburser()
	svc := vault.NewService(vault.NewMemory(),
		vault.WithClock(clock.Now),
		vault.WithDisburser(disburser),
	)
	m := New(svc, interval).WithClock(clock.Now)
	return m, svc, clock, disburser
}

var ownerSeq int

// readyVault builds an activated vault with a 30-day inactivity threshold,
// a 7-day timelock and one accepted guardian holding the full threshold.
func readyVault(t *testing.T, svc *vault.Service) (*vault.Vault, *vault.Guardian) {
	t.Helper()
	ctx := context.Background()
	ownerSeq++

	v, err := svc.CreateVault(ctx, fmt.Sprintf("owner-%s-%d", t.Name(), ownerSeq))
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if _, err := svc.Configure(ctx, v.ID, vault.VaultConfig{
		InactivityThresholdDays: 30,
		TimelockDays:            7,
		ThresholdApprovals:      1,
		GuardianCount:           1,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	g, err := svc.InviteGuardian(ctx, v.ID, fmt.Sprintf("g%d@example.com", ownerSeq), "")
	if err != nil {
		t.Fatalf("InviteGuardian: %v", err)
	}
	if g, err = svc.AcceptInvite(ctx, g.InviteToken); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	b, err := svc.AddBeneficiary(ctx, v.ID, "Heir", "heir@example.com", 100)
	if err != nil {
		t.Fatalf("AddBeneficiary: %v", err)
	}
	if _, err := svc.ConfirmBeneficiary(ctx, b.ConfirmToken); err != nil {
		t.Fatalf("ConfirmBeneficiary: %v", err)
	}
	if v, err = svc.Activate(ctx, v.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return v, g
}

// Scenario: thirty-one days without a check-in; the sweep opens exactly one
// inactivity attempt and a second sweep does not duplicate it.
func TestSweepOpensOnInactivity(t *testing.T) {
	m, svc, clock, _ := newTestMonitor(t, time.Hour)
	ctx := context.Background()
	v, _ := readyVault(t, svc)

	// Day 30 exactly: not yet overdue.
	clock.Advance(30 * 24 * time.Hour)
	m.Sweep(ctx)
	if reqs, _ := svc.OpenRequests(ctx); len(reqs) != 0 {
		t.Fatalf("expected no request at the threshold boundary, got %d", len(reqs))
	}

	clock.Advance(24 * time.Hour)
	m.Sweep(ctx)
	reqs, err := svc.OpenRequests(ctx)
	if err != nil {
		t.Fatalf("OpenRequests: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected 1 open request, got %d", len(reqs))
	}
	if reqs[0].Origin != vault.OriginOwnerInactivity {
		t.Fatalf("expected owner_inactivity origin, got %s", reqs[0].Origin)
	}
	if got, _ := svc.Vault(ctx, v.ID); got.Status != vault.VaultRecoveryPending {
		t.Fatalf("expected recovery_pending vault, got %s", got.Status)
	}

	// Second sweep is a no-op while the attempt is in flight.
	m.Sweep(ctx)
	if reqs, _ = svc.OpenRequests(ctx); len(reqs) != 1 {
		t.Fatalf("duplicate request opened, got %d", len(reqs))
	}
}

// A checked-in vault never trips the sweep.
func TestSweepSkipsFreshVault(t *testing.T) {
	m, svc, clock, _ := newTestMonitor(t, time.Hour)
	ctx := context.Background()
	v, _ := readyVault(t, svc)

	clock.Advance(29 * 24 * time.Hour)
	if _, err := svc.CheckIn(ctx, v.ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	clock.Advance(2 * 24 * time.Hour)
	m.Sweep(ctx)
	if reqs, _ := svc.OpenRequests(ctx); len(reqs) != 0 {
		t.Fatalf("fresh vault tripped the sweep: %d requests", len(reqs))
	}
}

// The sweep also drives timelock expiry: an approved attempt executes on the
// first sweep after executeAfter with no external caller involved.
func TestSweepDrivesExecution(t *testing.T) {
	m, svc, clock, disburser := newTestMonitor(t, time.Hour)
	ctx := context.Background()
	v, g := readyVault(t, svc)

	clock.Advance(31 * 24 * time.Hour)
	m.Sweep(ctx)
	reqs, _ := svc.OpenRequests(ctx)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 open request, got %d", len(reqs))
	}
	if _, err := svc.Approve(ctx, reqs[0].ID, g.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	clock.Advance(24 * time.Hour)
	m.Sweep(ctx)
	if req, _ := svc.RecoveryRequestByID(ctx, reqs[0].ID); req.Status != vault.RecoveryTimelockPending {
		t.Fatalf("expected timelock_pending mid-wait, got %s", req.Status)
	}

	clock.Advance(7 * 24 * time.Hour)
	m.Sweep(ctx)
	req, _ := svc.RecoveryRequestByID(ctx, reqs[0].ID)
	if req.Status != vault.RecoveryExecuted {
		t.Fatalf("expected executed, got %s", req.Status)
	}
	if got, _ := svc.Vault(ctx, v.ID); got.Status != vault.VaultExecuted {
		t.Fatalf("expected executed vault, got %s", got.Status)
	}
	disburser.mu.Lock()
	calls := disburser.calls[v.ID]
	disburser.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 disburse call, got %d", calls)
	}
}

// One vault's failing disbursement must not keep the sweep from finishing
// another vault in the same pass.
func TestSweepIsolatesFailures(t *testing.T) {
	m, svc, clock, disburser := newTestMonitor(t, time.Hour)
	ctx := context.Background()
	bad, badG := readyVault(t, svc)
	good, goodG := readyVault(t, svc)

	disburser.mu.Lock()
	disburser.rejected[bad.ID] = true
	disburser.mu.Unlock()

	clock.Advance(31 * 24 * time.Hour)
	m.Sweep(ctx)
	reqs, _ := svc.OpenRequests(ctx)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 open requests, got %d", len(reqs))
	}
	for _, req := range reqs {
		gid := badG.ID
		if req.VaultID == good.ID {
			gid = goodG.ID
		}
		if _, err := svc.Approve(ctx, req.ID, gid); err != nil {
			t.Fatalf("Approve %s: %v", req.VaultID, err)
		}
	}

	clock.Advance(8 * 24 * time.Hour)
	m.Sweep(ctx)

	if got, _ := svc.Vault(ctx, good.ID); got.Status != vault.VaultExecuted {
		t.Fatalf("healthy vault must execute, got %s", got.Status)
	}
	if got, _ := svc.Vault(ctx, bad.ID); got.Status == vault.VaultExecuted {
		t.Fatal("rejected disbursement must not execute the vault")
	}
	open, _ := svc.OpenRequests(ctx)
	if len(open) != 1 || open[0].VaultID != bad.ID {
		t.Fatalf("expected only the failing vault's request to stay open: %+v", open)
	}
	if open[0].Status != vault.RecoveryTimelockPending {
		t.Fatalf("failing request must stay timelock_pending, got %s", open[0].Status)
	}

	// Once the collaborator recovers the next sweep finishes the job.
	disburser.mu.Lock()
	disburser.rejected[bad.ID] = false
	disburser.mu.Unlock()
	m.Sweep(ctx)
	if got, _ := svc.Vault(ctx, bad.ID); got.Status != vault.VaultExecuted {
		t.Fatalf("expected executed after collaborator recovery, got %s", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	m, svc, clock, _ := newTestMonitor(t, 5*time.Millisecond)
	ctx := context.Background()
	readyVault(t, svc)
	clock.Advance(31 * 24 * time.Hour)

	m.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if reqs, _ := svc.OpenRequests(ctx); len(reqs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loop never opened the inactivity request")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	// Stop is idempotent and a stopped monitor no longer sweeps.
	m.Stop()
}
