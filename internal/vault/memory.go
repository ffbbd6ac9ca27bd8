package vault

import (
	"context"
	"sync"
	"time"
)

// Memory implements Store with in-process concurrency safety. The mutex
// around every read-modify-write is what makes the conditional transitions
// atomic without a transactional backend. Used in tests and dev mode;
// production runs the Postgres store.
type Memory struct {
	mu            sync.RWMutex
	vaults        map[string]*Vault
	guardians     map[string]*Guardian
	beneficiaries map[string]*Beneficiary
	requests      map[string]*RecoveryRequest
	approvals     map[string]map[string]time.Time // requestID -> guardianID -> approvedAt
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		vaults:        make(map[string]*Vault),
		guardians:     make(map[string]*Guardian),
		beneficiaries: make(map[string]*Beneficiary),
		requests:      make(map[string]*RecoveryRequest),
		approvals:     make(map[string]map[string]time.Time),
	}
}

func (m *Memory) Vaults() VaultStore              { return (*memVaults)(m) }
func (m *Memory) Guardians() GuardianStore        { return (*memGuardians)(m) }
func (m *Memory) Beneficiaries() BeneficiaryStore { return (*memBeneficiaries)(m) }
func (m *Memory) Recoveries() RecoveryStore       { return (*memRecoveries)(m) }

var _ Store = (*Memory)(nil)

// Vault store --------------------------------------------------------------

type memVaults Memory

func (m *memVaults) Create(ctx context.Context, v *Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.vaults {
		if existing.OwnerID == v.OwnerID {
			return conflictf("owner %s already has vault %s", v.OwnerID, existing.ID)
		}
	}
	cp := *v
	m.vaults[v.ID] = &cp
	return nil
}

func (m *memVaults) Find(ctx context.Context, id string) (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	if !ok {
		return nil, notFoundf("vault %s", id)
	}
	cp := *v
	return &cp, nil
}

func (m *memVaults) FindByOwner(ctx context.Context, ownerID string) (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.vaults {
		if v.OwnerID == ownerID {
			cp := *v
			return &cp, nil
		}
	}
	return nil, notFoundf("vault for owner %s", ownerID)
}

func (m *memVaults) SaveConfig(ctx context.Context, v *Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.vaults[v.ID]
	if !ok {
		return notFoundf("vault %s", v.ID)
	}
	cur.ThresholdApprovals = v.ThresholdApprovals
	cur.GuardianCount = v.GuardianCount
	cur.InactivityThresholdDays = v.InactivityThresholdDays
	cur.TimelockDays = v.TimelockDays
	cur.UpdatedAt = v.UpdatedAt
	return nil
}

func (m *memVaults) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	if !ok {
		return notFoundf("vault %s", id)
	}
	if at.After(v.LastActivityAt) {
		v.LastActivityAt = at
		v.UpdatedAt = at
	}
	return nil
}

func (m *memVaults) Transition(ctx context.Context, id string, from []VaultStatus, to VaultStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	if !ok {
		return false, notFoundf("vault %s", id)
	}
	for _, f := range from {
		if v.Status == f {
			v.Status = to
			v.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (m *memVaults) ListByStatus(ctx context.Context, status VaultStatus) ([]*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Vault
	for _, v := range m.vaults {
		if v.Status == status {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Guardian store ------------------------------------------------------------

type memGuardians Memory

func (m *memGuardians) Create(ctx context.Context, g *Guardian) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.guardians[g.ID] = &cp
	return nil
}

func (m *memGuardians) Find(ctx context.Context, id string) (*Guardian, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guardians[id]
	if !ok {
		return nil, notFoundf("guardian %s", id)
	}
	cp := *g
	return &cp, nil
}

func (m *memGuardians) FindByToken(ctx context.Context, token string) (*Guardian, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.guardians {
		if g.InviteToken == token {
			cp := *g
			return &cp, nil
		}
	}
	return nil, notFoundf("invite token")
}

func (m *memGuardians) ListByVault(ctx context.Context, vaultID string) ([]*Guardian, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Guardian
	for _, g := range m.guardians {
		if g.VaultID == vaultID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memGuardians) Save(ctx context.Context, g *Guardian) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guardians[g.ID]; !ok {
		return notFoundf("guardian %s", g.ID)
	}
	cp := *g
	m.guardians[g.ID] = &cp
	return nil
}

// Beneficiary store ----------------------------------------------------------

type memBeneficiaries Memory

func (m *memBeneficiaries) Create(ctx context.Context, b *Beneficiary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.beneficiaries[b.ID] = &cp
	return nil
}

func (m *memBeneficiaries) Find(ctx context.Context, id string) (*Beneficiary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.beneficiaries[id]
	if !ok {
		return nil, notFoundf("beneficiary %s", id)
	}
	cp := *b
	return &cp, nil
}

func (m *memBeneficiaries) FindByToken(ctx context.Context, token string) (*Beneficiary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.beneficiaries {
		if b.ConfirmToken == token {
			cp := *b
			return &cp, nil
		}
	}
	return nil, notFoundf("confirm token")
}

func (m *memBeneficiaries) ListByVault(ctx context.Context, vaultID string) ([]*Beneficiary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Beneficiary
	for _, b := range m.beneficiaries {
		if b.VaultID == vaultID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memBeneficiaries) Save(ctx context.Context, b *Beneficiary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beneficiaries[b.ID]; !ok {
		return notFoundf("beneficiary %s", b.ID)
	}
	cp := *b
	m.beneficiaries[b.ID] = &cp
	return nil
}

// Recovery store -------------------------------------------------------------

type memRecoveries Memory

func (m *memRecoveries) Create(ctx context.Context, r *RecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.VaultID == r.VaultID && !existing.Status.Terminal() {
			return conflictf("vault %s already has open request %s", r.VaultID, existing.ID)
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memRecoveries) Find(ctx context.Context, id string) (*RecoveryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, notFoundf("recovery request %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memRecoveries) FindOpenByVault(ctx context.Context, vaultID string) (*RecoveryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.VaultID == vaultID && !r.Status.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, notFoundf("open recovery request for vault %s", vaultID)
}

func (m *memRecoveries) ListOpen(ctx context.Context) ([]*RecoveryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RecoveryRequest
	for _, r := range m.requests {
		if !r.Status.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRecoveries) Transition(ctx context.Context, id string, from []RecoveryStatus, to RecoveryStatus, upd TransitionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, notFoundf("recovery request %s", id)
	}
	matched := false
	for _, f := range from {
		if r.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	r.Status = to
	if upd.ClearStamps {
		r.ThresholdMetAt = nil
		r.ExecuteAfter = nil
	}
	if upd.ThresholdMetAt != nil {
		t := *upd.ThresholdMetAt
		r.ThresholdMetAt = &t
	}
	if upd.ExecuteAfter != nil {
		t := *upd.ExecuteAfter
		r.ExecuteAfter = &t
	}
	if upd.DisbursementRef != "" {
		r.DisbursementRef = upd.DisbursementRef
	}
	if upd.CancelReason != "" {
		r.CancelReason = upd.CancelReason
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRecoveries) AddApproval(ctx context.Context, requestID, guardianID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[requestID]; !ok {
		return false, notFoundf("recovery request %s", requestID)
	}
	byGuardian, ok := m.approvals[requestID]
	if !ok {
		byGuardian = make(map[string]time.Time)
		m.approvals[requestID] = byGuardian
	}
	if _, exists := byGuardian[guardianID]; exists {
		return false, nil
	}
	byGuardian[guardianID] = at
	return true, nil
}

func (m *memRecoveries) Approvals(ctx context.Context, requestID string) ([]GuardianApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byGuardian := m.approvals[requestID]
	out := make([]GuardianApproval, 0, len(byGuardian))
	for gid, at := range byGuardian {
		out = append(out, GuardianApproval{RequestID: requestID, GuardianID: gid, ApprovedAt: at})
	}
	return out, nil
}
