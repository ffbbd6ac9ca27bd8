package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"heirloom.org/internal/auth"
	"heirloom.org/internal/vault"
)

// Tokens minted for guardians and claimants after they redeem their
// single-use invite/confirm tokens.
const partyTokenTTL = 30 * 24 * time.Hour

type configRequest struct {
	InactivityThresholdDays int `json:"inactivity_threshold_days"`
	TimelockDays            int `json:"timelock_days"`
	ThresholdApprovals      int `json:"threshold_approvals"`
	GuardianCount           int `json:"guardian_count"`
}

type inviteGuardianRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type acceptRequest struct {
	Token string `json:"token"`
}

type addBeneficiaryRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Percentage int    `json:"percentage"`
}

type updateBeneficiaryRequest struct {
	Name       *string `json:"name"`
	Email      *string `json:"email"`
	Percentage *int    `json:"percentage"`
}

type openRecoveryRequest struct {
	VaultID string `json:"vault_id"`
}

type vaultResponse struct {
	*vault.Vault
	NextCheckInDueAt time.Time `json:"next_check_in_due_at"`
}

func vaultBody(v *vault.Vault) vaultResponse {
	return vaultResponse{Vault: v, NextCheckInDueAt: v.NextCheckInDueAt()}
}

// subject returns the authenticated user id or writes 401.
func (a *API) subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	sub, ok := auth.UserIDFromContext(r.Context())
	if !ok || sub == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return sub, true
}

// ownerVault resolves the caller's own vault.
func (a *API) ownerVault(w http.ResponseWriter, r *http.Request) (*vault.Vault, bool) {
	sub, ok := a.subject(w, r)
	if !ok {
		return nil, false
	}
	v, err := a.svc.VaultByOwner(r.Context(), sub)
	if err != nil {
		handleServiceError(w, r, err)
		return nil, false
	}
	return v, true
}

// --- vault lifecycle ---

func (a *API) handleVault(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createVault(w, r)
	case http.MethodGet:
		a.getVault(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createVault(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	v, err := a.svc.CreateVault(r.Context(), sub)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "vault.create", "vault", v.ID, nil)
	w.Header().Set("Location", "/v1/vault")
	writeJSON(w, http.StatusCreated, vaultBody(v))
}

func (a *API) getVault(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, vaultBody(v))
}

func (a *API) handleVaultConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	var req configRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.svc.Configure(r.Context(), v.ID, vault.VaultConfig{
		InactivityThresholdDays: req.InactivityThresholdDays,
		TimelockDays:            req.TimelockDays,
		ThresholdApprovals:      req.ThresholdApprovals,
		GuardianCount:           req.GuardianCount,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "vault.configure", "vault", v.ID, map[string]string{
		"inactivity_threshold_days": strconv.Itoa(req.InactivityThresholdDays),
		"timelock_days":             strconv.Itoa(req.TimelockDays),
		"threshold_approvals":       strconv.Itoa(req.ThresholdApprovals),
		"guardian_count":            strconv.Itoa(req.GuardianCount),
	})
	writeJSON(w, http.StatusOK, vaultBody(v))
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	v, err := a.svc.Activate(r.Context(), v.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "vault.activate", "vault", v.ID, nil)
	writeJSON(w, http.StatusOK, vaultBody(v))
}

func (a *API) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	v, err := a.svc.CheckIn(r.Context(), v.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "vault.checkin", "vault", v.ID, nil)
	writeJSON(w, http.StatusOK, vaultBody(v))
}

// --- guardians ---

func (a *API) handleGuardiansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.inviteGuardian(w, r)
	case http.MethodGet:
		a.listGuardians(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) inviteGuardian(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	var req inviteGuardianRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.svc.InviteGuardian(r.Context(), v.ID, req.Email, req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "guardian.invite", "guardian", g.ID, map[string]string{"vault": v.ID})
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) listGuardians(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	guardians, err := a.svc.ListGuardians(r.Context(), v.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": guardians})
}

// handleGuardianResource routes /v1/vault/guardians/{id}: DELETE revokes,
// POST re-issues a pending invite.
func (a *API) handleGuardianResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/vault/guardians/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	g, err := a.svc.Guardian(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if g.VaultID != v.ID {
		writeError(w, r, http.StatusNotFound, "guardian not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		g, err = a.svc.RevokeGuardian(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "guardian.revoke", "guardian", g.ID, map[string]string{"vault": v.ID})
		writeJSON(w, http.StatusOK, g)
	case http.MethodPost:
		g, err = a.svc.ReissueInvite(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "guardian.reissue_invite", "guardian", g.ID, map[string]string{"vault": v.ID})
		writeJSON(w, http.StatusOK, g)
	default:
		methodNotAllowed(w, r, http.MethodDelete, http.MethodPost)
	}
}

func (a *API) handleGuardianAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	g, err := a.svc.AcceptInvite(r.Context(), req.Token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	// The accepted guardian gets a bearer token for the approve endpoint.
	token, err := auth.GenerateToken(g.ID, []string{auth.RoleGuardian}, partyTokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.audit(r.Context(), "guardian.accept", "guardian", g.ID, map[string]string{"vault": g.VaultID})
	writeJSON(w, http.StatusOK, map[string]any{"guardian": g, "token": token})
}

// --- beneficiaries ---

func (a *API) handleBeneficiariesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.addBeneficiary(w, r)
	case http.MethodGet:
		a.listBeneficiaries(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) addBeneficiary(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	var req addBeneficiaryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	b, err := a.svc.AddBeneficiary(r.Context(), v.ID, req.Name, req.Email, req.Percentage)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "beneficiary.add", "beneficiary", b.ID, map[string]string{
		"vault":      v.ID,
		"percentage": strconv.Itoa(req.Percentage),
	})
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) listBeneficiaries(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	items, err := a.svc.ListBeneficiaries(r.Context(), v.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleBeneficiaryResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/vault/beneficiaries/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	b, err := a.svc.Beneficiary(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if b.VaultID != v.ID {
		writeError(w, r, http.StatusNotFound, "beneficiary not found")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req updateBeneficiaryRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		b, err = a.svc.UpdateBeneficiary(r.Context(), id, vault.BeneficiaryChanges{
			Name:       req.Name,
			Email:      req.Email,
			Percentage: req.Percentage,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "beneficiary.update", "beneficiary", b.ID, map[string]string{"vault": v.ID})
		writeJSON(w, http.StatusOK, b)
	case http.MethodDelete:
		if err := a.svc.RemoveBeneficiary(r.Context(), id); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "beneficiary.remove", "beneficiary", id, map[string]string{"vault": v.ID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleBeneficiaryConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	b, err := a.svc.ConfirmBeneficiary(r.Context(), req.Token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	token, err := auth.GenerateToken(b.ID, []string{auth.RoleClaimant}, partyTokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.audit(r.Context(), "beneficiary.confirm", "beneficiary", b.ID, map[string]string{"vault": b.VaultID})
	writeJSON(w, http.StatusOK, map[string]any{"beneficiary": b, "token": token})
}

// --- recovery ---

func (a *API) handleRecovery(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.openRecovery(w, r)
	case http.MethodGet:
		a.recoveryStatus(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) openRecovery(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	var req openRecoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.VaultID) == "" {
		writeError(w, r, http.StatusBadRequest, "vault_id is required")
		return
	}
	rec, err := a.svc.OpenRecovery(r.Context(), req.VaultID, vault.OriginClaimantInitiated, sub)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "recovery.open", "recovery_request", rec.ID, map[string]string{
		"vault":  rec.VaultID,
		"origin": string(rec.Origin),
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) recoveryStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownerVault(w, r)
	if !ok {
		return
	}
	rec, approvals, err := a.svc.RecoveryStatusFor(r.Context(), v.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request":   rec,
		"approvals": approvals,
	})
}

// handleRecoveryResource routes /v1/recovery/{id}/approve and
// /v1/recovery/{id}/withdraw.
func (a *API) handleRecoveryResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/recovery/")
	id, action, found := strings.Cut(rest, "/")
	if !found || id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "approve":
		a.approveRecovery(w, r, id)
	case "withdraw":
		a.withdrawRecovery(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) approveRecovery(w http.ResponseWriter, r *http.Request, requestID string) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleGuardian) {
		writeError(w, r, http.StatusUnauthorized, "guardian token required")
		return
	}
	rec, err := a.svc.Approve(r.Context(), requestID, sub)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "recovery.approve", "recovery_request", rec.ID, map[string]string{
		"vault":    rec.VaultID,
		"guardian": sub,
		"status":   string(rec.Status),
	})
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) withdrawRecovery(w http.ResponseWriter, r *http.Request, requestID string) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	rec, err := a.svc.RecoveryRequestByID(r.Context(), requestID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	// Only the initiator can withdraw their own request.
	if rec.Origin != vault.OriginClaimantInitiated || rec.InitiatedBy != sub {
		writeError(w, r, http.StatusNotFound, "recovery request not found")
		return
	}
	if err := a.svc.Cancel(r.Context(), requestID, "claimant withdrawal"); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "recovery.withdraw", "recovery_request", requestID, map[string]string{"vault": rec.VaultID})
	rec, err = a.svc.RecoveryRequestByID(r.Context(), requestID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
