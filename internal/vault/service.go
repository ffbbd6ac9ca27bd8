package vault

import (
	"context"
	"time"

	"heirloom.org/internal/obs"
	"heirloom.org/internal/stream"
)

// Notification kinds written to the outbox.
const (
	EffectGuardianInvite    = "guardian_invite"
	EffectBeneficiaryInvite = "beneficiary_invite"
	EffectRecoveryOpened    = "recovery_opened"
	EffectRecoveryThreshold = "recovery_threshold_met"
	EffectRecoveryCancelled = "recovery_cancelled"
	EffectRecoveryExpired   = "recovery_expired"
	EffectRecoveryExecuted  = "recovery_executed"
	EffectRecoveryReverted  = "recovery_reverted"
)

// Defaults applied by CreateVault until the owner configures the vault.
const (
	DefaultInactivityThresholdDays = 90
	DefaultTimelockDays            = 7
	DefaultThresholdApprovals      = 1
	DefaultGuardianCount           = 1

	inviteTokenTTL = 7 * 24 * time.Hour
)

// Service implements the recovery engine: vault registry, guardian directory,
// beneficiary ledger and the recovery coordinator, on top of a Store.
type Service struct {
	store    Store
	effects  EffectQueue
	disburse Disburser
	events   *stream.Stream
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source. Only intended for test use.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEffectQueue sets the durable outbox for notification side effects.
func WithEffectQueue(q EffectQueue) Option {
	return func(s *Service) { s.effects = q }
}

// WithDisburser sets the disbursement collaborator used at execution time.
func WithDisburser(d Disburser) Option {
	return func(s *Service) { s.disburse = d }
}

// WithEvents sets the stream that receives recovery state changes.
func WithEvents(st *stream.Stream) Option {
	return func(s *Service) { s.events = st }
}

// NewService constructs the engine.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// enqueueEffect records a notification side effect. Failures are logged, never
// propagated: a notification must not block the transition that produced it.
func (s *Service) enqueueEffect(ctx context.Context, kind, recipient string, vars map[string]string) {
	if s.effects == nil || recipient == "" {
		return
	}
	if err := s.effects.Enqueue(ctx, kind, recipient, vars); err != nil {
		obs.Log(map[string]any{
			"level": "error",
			"msg":   "enqueue effect failed",
			"kind":  kind,
			"err":   err.Error(),
		})
	}
}

func (s *Service) publish(vaultID, requestID string, origin RecoveryOrigin, status RecoveryStatus) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.RecoveryEvent{
		VaultID:   vaultID,
		RequestID: requestID,
		Origin:    string(origin),
		Status:    string(status),
		Timestamp: s.now(),
	})
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
