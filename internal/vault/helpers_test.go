package vault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a mutable time source shared by service and test.
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

// fakeDisburser records disburse calls and answers with a scripted result.
type fakeDisburser struct {
	mu         sync.Mutex
	accepted   bool
	err        error
	calls      int
	lastVault  string
	lastAllocs []Allocation
	reference  string
}

func (d *fakeDisburser) Disburse(ctx context.Context, vaultID string, allocations []Allocation) (Disbursement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastVault = vaultID
	d.lastAllocs = allocations
	if d.err != nil {
		return Disbursement{}, d.err
	}
	return Disbursement{Accepted: d.accepted, Reference: d.reference}, nil
}

func (d *fakeDisburser) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeQueue records enqueued effects.
type fakeQueue struct {
	mu    sync.Mutex
	kinds []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind, recipient string, vars map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kinds = append(q.kinds, kind)
	return nil
}

func (q *fakeQueue) sawKind(kind string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range q.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func newTestService(t *testing.T) (*Service, *fakeClock, *fakeDisburser, *fakeQueue) {
	t.Helper()
	clock := newFakeClock()
	disburser := &fakeDisburser{accepted: true, reference: "disb-ref-1"}
	queue := &fakeQueue{}
	svc := NewService(NewMemory(),
		WithClock(clock.Now),
		WithDisburser(disburser),
		WithEffectQueue(queue),
	)
	return svc, clock, disburser, queue
}

var ownerSeq atomic.Int64

// activeVault builds an activated vault with the given M-of-N guardian
// configuration, accepted guardians and one confirmed beneficiary at 100%.
func activeVault(t *testing.T, svc *Service, threshold, guardianCount int) (*Vault, []*Guardian) {
	t.Helper()
	ctx := context.Background()

	v, err := svc.CreateVault(ctx, fmt.Sprintf("owner-%s-%d", t.Name(), ownerSeq.Add(1)))
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if _, err := svc.Configure(ctx, v.ID, VaultConfig{
		InactivityThresholdDays: 30,
		TimelockDays:            7,
		ThresholdApprovals:      threshold,
		GuardianCount:           guardianCount,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	guardians := make([]*Guardian, 0, guardianCount)
	for i := 0; i < guardianCount; i++ {
		g, err := svc.InviteGuardian(ctx, v.ID, guardianEmail(i), "")
		if err != nil {
			t.Fatalf("InviteGuardian #%d: %v", i, err)
		}
		g, err = svc.AcceptInvite(ctx, g.InviteToken)
		if err != nil {
			t.Fatalf("AcceptInvite #%d: %v", i, err)
		}
		guardians = append(guardians, g)
	}

	b, err := svc.AddBeneficiary(ctx, v.ID, "Heir", "heir@example.com", 100)
	if err != nil {
		t.Fatalf("AddBeneficiary: %v", err)
	}
	if _, err := svc.ConfirmBeneficiary(ctx, b.ConfirmToken); err != nil {
		t.Fatalf("ConfirmBeneficiary: %v", err)
	}

	v, err = svc.Activate(ctx, v.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return v, guardians
}

func guardianEmail(i int) string {
	return "guardian" + string(rune('a'+i)) + "@example.com"
}
