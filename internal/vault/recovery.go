package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"heirloom.org/internal/ids"
	"heirloom.org/internal/obs"
)

var openStatuses = []RecoveryStatus{RecoveryCollecting, RecoveryThresholdMet, RecoveryTimelockPending}

// OpenRecovery starts a recovery attempt. Single-flight per vault: a second
// open while one is non-terminal fails with ErrConflict.
func (s *Service) OpenRecovery(ctx context.Context, vaultID string, origin RecoveryOrigin, initiatedBy string) (*RecoveryRequest, error) {
	switch origin {
	case OriginOwnerInactivity, OriginClaimantInitiated:
	default:
		return nil, validationf("unknown recovery origin %q", origin)
	}

	v, err := s.store.Vaults().Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case VaultActive:
	case VaultRecoveryPending, VaultTriggered:
		return nil, conflictf("vault %s already has a recovery attempt in flight", vaultID)
	case VaultDraft:
		return nil, statef("vault %s is not active yet", vaultID)
	case VaultExecuted:
		return nil, statef("vault %s is executed", vaultID)
	}

	now := s.now()
	req := &RecoveryRequest{
		ID:          ids.New(),
		VaultID:     v.ID,
		Origin:      origin,
		InitiatedBy: initiatedBy,
		Status:      RecoveryCollecting,
		OpenedAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// The store enforces single-flight; a concurrent open loses here.
	if err := s.store.Recoveries().Create(ctx, req); err != nil {
		return nil, err
	}

	applied, err := s.store.Vaults().Transition(ctx, v.ID, []VaultStatus{VaultActive}, VaultRecoveryPending)
	if err != nil {
		return nil, err
	}
	if !applied {
		cur, ferr := s.store.Vaults().Find(ctx, v.ID)
		if ferr != nil {
			return nil, ferr
		}
		if cur.Status != VaultRecoveryPending && cur.Status != VaultTriggered {
			return nil, statef("vault %s changed to %s while opening recovery", vaultID, cur.Status)
		}
	}

	obs.RecoveryRequestsTotal.WithLabelValues("opened").Inc()
	s.publish(v.ID, req.ID, origin, RecoveryCollecting)
	s.notifyVaultParties(ctx, v, EffectRecoveryOpened, map[string]string{
		"request_id": req.ID,
		"origin":     string(origin),
	})
	return req, nil
}

// Approve records a guardian's consent. Only currently accepted guardians of
// the request's vault may approve; a duplicate approval is a no-op success.
// Crossing the threshold fires exactly one conditional transition to
// ThresholdMet and stamps the timelock.
func (s *Service) Approve(ctx context.Context, requestID, guardianID string) (*RecoveryRequest, error) {
	req, err := s.store.Recoveries().Find(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, statef("request %s is %s", requestID, req.Status)
	}

	g, err := s.store.Guardians().Find(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if g.VaultID != req.VaultID {
		return nil, notFoundf("guardian %s does not belong to vault %s", guardianID, req.VaultID)
	}
	if g.Status != GuardianAccepted {
		return nil, statef("guardian %s is %s and cannot approve", guardianID, g.Status)
	}

	now := s.now()
	if _, err := s.store.Recoveries().AddApproval(ctx, req.ID, g.ID, now); err != nil {
		return nil, err
	}

	v, err := s.store.Vaults().Find(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.Recoveries().Approvals(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if len(approvals) >= v.ThresholdApprovals {
		executeAfter := now.Add(days(v.TimelockDays))
		applied, err := s.store.Recoveries().Transition(ctx, req.ID,
			[]RecoveryStatus{RecoveryCollecting}, RecoveryThresholdMet,
			TransitionUpdate{ThresholdMetAt: &now, ExecuteAfter: &executeAfter})
		if err != nil {
			return nil, err
		}
		if applied {
			// Losing concurrent approvers fall through here as plain
			// idempotent approvals on an already-ThresholdMet request.
			if _, err := s.store.Vaults().Transition(ctx, v.ID, []VaultStatus{VaultRecoveryPending}, VaultTriggered); err != nil {
				return nil, err
			}
			obs.RecoveryRequestsTotal.WithLabelValues("threshold_met").Inc()
			s.publish(v.ID, req.ID, req.Origin, RecoveryThresholdMet)
			s.notifyVaultParties(ctx, v, EffectRecoveryThreshold, map[string]string{
				"request_id":    req.ID,
				"execute_after": executeAfter.Format(time.RFC3339),
			})
		}
	}
	return s.store.Recoveries().Find(ctx, req.ID)
}

// Cancel aborts a non-terminal request, restores the vault to active and
// counts the cancellation as owner activity. Owner check-in and explicit
// claimant withdrawal are the only callers.
func (s *Service) Cancel(ctx context.Context, requestID, reason string) error {
	req, err := s.store.Recoveries().Find(ctx, requestID)
	if err != nil {
		return err
	}
	applied, err := s.store.Recoveries().Transition(ctx, req.ID, openStatuses, RecoveryCancelled,
		TransitionUpdate{ClearStamps: true, CancelReason: reason})
	if err != nil {
		return err
	}
	if !applied {
		return statef("request %s is %s and cannot be cancelled", requestID, req.Status)
	}

	if _, err := s.store.Vaults().Transition(ctx, req.VaultID,
		[]VaultStatus{VaultRecoveryPending, VaultTriggered}, VaultActive); err != nil {
		return err
	}
	if err := s.store.Vaults().Touch(ctx, req.VaultID, s.now()); err != nil {
		return err
	}

	obs.RecoveryRequestsTotal.WithLabelValues("cancelled").Inc()
	s.publish(req.VaultID, req.ID, req.Origin, RecoveryCancelled)
	if v, err := s.store.Vaults().Find(ctx, req.VaultID); err == nil {
		s.notifyVaultParties(ctx, v, EffectRecoveryCancelled, map[string]string{
			"request_id": req.ID,
			"reason":     reason,
		})
	}
	return nil
}

// Tick advances the request clockwise: expires stale collections, settles the
// timelock wait and drives execution once the timelock has elapsed. Invoked
// by the inactivity monitor and on state-reading calls; safe to call at any
// time in any state.
func (s *Service) Tick(ctx context.Context, requestID string) (*RecoveryRequest, error) {
	req, err := s.store.Recoveries().Find(ctx, requestID)
	if err != nil {
		return nil, err
	}
	v, err := s.store.Vaults().Find(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch req.Status {
	case RecoveryExecuted, RecoveryCancelled, RecoveryExpired:
		return req, nil

	case RecoveryCollecting:
		if now.After(req.CollectionDeadline(v.TimelockDays)) {
			return s.expire(ctx, req, v)
		}
		return req, nil

	case RecoveryThresholdMet, RecoveryTimelockPending:
		if req.ExecuteAfter == nil {
			return nil, statef("request %s is %s without a timelock stamp", req.ID, req.Status)
		}
		if now.Before(*req.ExecuteAfter) {
			if req.Status == RecoveryThresholdMet {
				if _, err := s.store.Recoveries().Transition(ctx, req.ID,
					[]RecoveryStatus{RecoveryThresholdMet}, RecoveryTimelockPending, TransitionUpdate{}); err != nil {
					return nil, err
				}
			}
			return s.store.Recoveries().Find(ctx, req.ID)
		}
		return s.execute(ctx, req, v)
	}
	return nil, statef("request %s has unknown status %q", req.ID, req.Status)
}

// expire closes a request that never reached threshold inside the collection
// window and returns the vault to active so a future sweep can reopen one.
// lastActivityAt is deliberately left untouched.
func (s *Service) expire(ctx context.Context, req *RecoveryRequest, v *Vault) (*RecoveryRequest, error) {
	applied, err := s.store.Recoveries().Transition(ctx, req.ID,
		[]RecoveryStatus{RecoveryCollecting}, RecoveryExpired, TransitionUpdate{})
	if err != nil {
		return nil, err
	}
	if applied {
		if _, err := s.store.Vaults().Transition(ctx, v.ID,
			[]VaultStatus{VaultRecoveryPending, VaultTriggered}, VaultActive); err != nil {
			return nil, err
		}
		obs.RecoveryRequestsTotal.WithLabelValues("expired").Inc()
		s.publish(v.ID, req.ID, req.Origin, RecoveryExpired)
		s.notifyVaultParties(ctx, v, EffectRecoveryExpired, map[string]string{"request_id": req.ID})
	}
	return s.store.Recoveries().Find(ctx, req.ID)
}

// execute finalises the request. Consent is re-verified against live guardian
// state immediately before executing: approvals cast by since-revoked
// guardians no longer count, and a request short of threshold reverts to
// collecting instead of executing on stale consent.
func (s *Service) execute(ctx context.Context, req *RecoveryRequest, v *Vault) (*RecoveryRequest, error) {
	live, err := s.liveApprovalCount(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if live < v.ThresholdApprovals {
		applied, err := s.store.Recoveries().Transition(ctx, req.ID,
			[]RecoveryStatus{RecoveryThresholdMet, RecoveryTimelockPending}, RecoveryCollecting,
			TransitionUpdate{ClearStamps: true})
		if err != nil {
			return nil, err
		}
		if applied {
			if _, err := s.store.Vaults().Transition(ctx, v.ID,
				[]VaultStatus{VaultTriggered}, VaultRecoveryPending); err != nil {
				return nil, err
			}
			obs.RecoveryRequestsTotal.WithLabelValues("reverted").Inc()
			s.publish(v.ID, req.ID, req.Origin, RecoveryCollecting)
			s.notifyVaultParties(ctx, v, EffectRecoveryReverted, map[string]string{
				"request_id":     req.ID,
				"live_approvals": fmt.Sprintf("%d", live),
			})
		}
		return s.store.Recoveries().Find(ctx, req.ID)
	}

	if s.disburse == nil {
		return nil, errors.New("vault: no disburser configured")
	}
	allocations, err := s.AllocationsFor(ctx, v.ID)
	if err != nil {
		return nil, err
	}

	// Fire-and-confirm, outside any held lock. A rejected or failed
	// disbursement leaves the request in TimelockPending; the next monitor
	// tick retries.
	var result Disbursement
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var derr error
		result, derr = s.disburse.Disburse(ctx, v.ID, allocations)
		if derr != nil {
			return retry.RetryableError(derr)
		}
		return nil
	})
	if err != nil || !result.Accepted {
		if _, terr := s.store.Recoveries().Transition(ctx, req.ID,
			[]RecoveryStatus{RecoveryThresholdMet}, RecoveryTimelockPending, TransitionUpdate{}); terr != nil {
			return nil, terr
		}
		if err == nil {
			err = errors.New("disbursement rejected")
		}
		return nil, fmt.Errorf("vault: disburse %s: %w", v.ID, err)
	}

	applied, err := s.store.Recoveries().Transition(ctx, req.ID,
		[]RecoveryStatus{RecoveryThresholdMet, RecoveryTimelockPending}, RecoveryExecuted,
		TransitionUpdate{DisbursementRef: result.Reference})
	if err != nil {
		return nil, err
	}
	if applied {
		if _, err := s.store.Vaults().Transition(ctx, v.ID,
			[]VaultStatus{VaultTriggered, VaultRecoveryPending}, VaultExecuted); err != nil {
			return nil, err
		}
		obs.RecoveryRequestsTotal.WithLabelValues("executed").Inc()
		s.publish(v.ID, req.ID, req.Origin, RecoveryExecuted)
		s.notifyVaultParties(ctx, v, EffectRecoveryExecuted, map[string]string{
			"request_id": req.ID,
			"reference":  result.Reference,
		})
	}
	return s.store.Recoveries().Find(ctx, req.ID)
}

// liveApprovalCount counts recorded approvals whose guardian is still
// accepted right now.
func (s *Service) liveApprovalCount(ctx context.Context, requestID string) (int, error) {
	approvals, err := s.store.Recoveries().Approvals(ctx, requestID)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, a := range approvals {
		g, err := s.store.Guardians().Find(ctx, a.GuardianID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		if g.Status == GuardianAccepted {
			live++
		}
	}
	return live, nil
}

// RecoveryStatusFor reports the current (ticked) request for the vault, or
// ErrNotFound when none is open.
func (s *Service) RecoveryStatusFor(ctx context.Context, vaultID string) (*RecoveryRequest, []GuardianApproval, error) {
	req, err := s.store.Recoveries().FindOpenByVault(ctx, vaultID)
	if err != nil {
		return nil, nil, err
	}
	req, err = s.Tick(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	approvals, err := s.store.Recoveries().Approvals(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	return req, approvals, nil
}

// RecoveryRequestByID returns the request by id.
func (s *Service) RecoveryRequestByID(ctx context.Context, requestID string) (*RecoveryRequest, error) {
	return s.store.Recoveries().Find(ctx, requestID)
}

// OpenRequests lists every non-terminal request for the monitor's tick pass.
func (s *Service) OpenRequests(ctx context.Context) ([]*RecoveryRequest, error) {
	return s.store.Recoveries().ListOpen(ctx)
}

// notifyVaultParties enqueues the effect for the owner and every accepted
// guardian of the vault.
func (s *Service) notifyVaultParties(ctx context.Context, v *Vault, kind string, vars map[string]string) {
	s.enqueueEffect(ctx, kind, ownerRecipient(v), vars)
	guardians, err := s.ListActiveGuardians(ctx, v.ID)
	if err != nil {
		obs.Log(map[string]any{
			"level": "error",
			"msg":   "list guardians for notification failed",
			"vault": v.ID,
			"err":   err.Error(),
		})
		return
	}
	for _, g := range guardians {
		s.enqueueEffect(ctx, kind, g.Email, vars)
	}
}

// ownerRecipient derives the owner's notification address. Owner contact
// details live with the account collaborator; the owner id doubles as the
// routing key the notification service resolves.
func ownerRecipient(v *Vault) string {
	return "owner:" + v.OwnerID
}
