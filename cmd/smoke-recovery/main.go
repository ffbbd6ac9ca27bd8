// smoke-recovery drives a full inactivity-recovery lifecycle in-process
// against the in-memory store. No external services required.
package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"heirloom.org/internal/collab"
	"heirloom.org/internal/monitor"
	"heirloom.org/internal/outbox"
	"heirloom.org/internal/vault"
)

func main() {
	log.SetFlags(0)

	var (
		mu  sync.Mutex
		now = time.Now().UTC()
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	svc := vault.NewService(vault.NewMemory(),
		vault.WithClock(clock),
		vault.WithDisburser(collab.LoopbackDisburser{}),
		vault.WithEffectQueue(outbox.New(outbox.NewMemory())),
	)
	mon := monitor.New(svc, time.Minute).WithClock(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	v, err := svc.CreateVault(ctx, "smoke-owner")
	if err != nil {
		log.Fatalf("create vault: %v", err)
	}
	if _, err := svc.Configure(ctx, v.ID, vault.VaultConfig{
		InactivityThresholdDays: 30,
		TimelockDays:            7,
		ThresholdApprovals:      2,
		GuardianCount:           3,
	}); err != nil {
		log.Fatalf("configure: %v", err)
	}

	guardianIDs := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		g, err := svc.InviteGuardian(ctx, v.ID, fmt.Sprintf("guardian%d@smoke.test", i), fmt.Sprintf("Guardian %d", i))
		if err != nil {
			log.Fatalf("invite guardian %d: %v", i, err)
		}
		if _, err := svc.AcceptInvite(ctx, g.InviteToken); err != nil {
			log.Fatalf("accept invite %d: %v", i, err)
		}
		guardianIDs = append(guardianIDs, g.ID)
	}

	b, err := svc.AddBeneficiary(ctx, v.ID, "Smoke Heir", "heir@smoke.test", 100)
	if err != nil {
		log.Fatalf("add beneficiary: %v", err)
	}
	if _, err := svc.ConfirmBeneficiary(ctx, b.ConfirmToken); err != nil {
		log.Fatalf("confirm beneficiary: %v", err)
	}

	if _, err := svc.Activate(ctx, v.ID); err != nil {
		log.Fatalf("activate: %v", err)
	}

	// Owner goes silent past the inactivity threshold; the sweep opens a request.
	advance(31 * 24 * time.Hour)
	mon.Sweep(ctx)

	open, err := svc.OpenRequests(ctx)
	if err != nil {
		log.Fatalf("open requests: %v", err)
	}
	if len(open) != 1 {
		log.Fatalf("expected 1 open request after sweep, got %d", len(open))
	}
	req := open[0]
	if req.Origin != vault.OriginOwnerInactivity {
		log.Fatalf("unexpected origin %q", req.Origin)
	}

	for _, gid := range guardianIDs[:2] {
		if _, err := svc.Approve(ctx, req.ID, gid); err != nil {
			log.Fatalf("approve by %s: %v", gid, err)
		}
	}
	req, err = svc.RecoveryRequestByID(ctx, req.ID)
	if err != nil {
		log.Fatalf("reload request: %v", err)
	}
	if req.Status != vault.RecoveryThresholdMet {
		log.Fatalf("expected threshold_met, got %q", req.Status)
	}

	// Timelock elapses; the sweep settles and executes the disbursement.
	advance(8 * 24 * time.Hour)
	mon.Sweep(ctx)

	req, err = svc.RecoveryRequestByID(ctx, req.ID)
	if err != nil {
		log.Fatalf("reload request: %v", err)
	}
	if req.Status != vault.RecoveryExecuted {
		log.Fatalf("expected executed, got %q", req.Status)
	}
	if req.DisbursementRef == "" {
		log.Fatal("missing disbursement reference")
	}
	v, err = svc.Vault(ctx, v.ID)
	if err != nil {
		log.Fatalf("reload vault: %v", err)
	}
	if v.Status != vault.VaultExecuted {
		log.Fatalf("expected vault executed, got %q", v.Status)
	}

	fmt.Printf("✅ recovery smoke test passed: vault=%s request=%s ref=%s\n", v.ID, req.ID, req.DisbursementRef)
}
