// Package pg persists the recovery engine in PostgreSQL. Status changes are
// compare-and-swap updates (status in the expected set) so concurrent writers
// race safely; uniqueness rules live in the schema and surface as ErrConflict.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"heirloom.org/internal/vault"
)

// Store implements vault.Store over *sql.DB.
type Store struct {
	db *sql.DB
}

var _ vault.Store = (*Store)(nil)

// Open connects with the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Vaults() vault.VaultStore              { return &vaultStore{db: s.db} }
func (s *Store) Guardians() vault.GuardianStore        { return &guardianStore{db: s.db} }
func (s *Store) Beneficiaries() vault.BeneficiaryStore { return &beneficiaryStore{db: s.db} }
func (s *Store) Recoveries() vault.RecoveryStore       { return &recoveryStore{db: s.db} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// placeholders renders $n,$n+1,... for len(vals) arguments starting at n.
func placeholders(n, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", n+i)
	}
	return strings.Join(parts, ",")
}

// --- vaults ---

type vaultStore struct {
	db *sql.DB
}

func (s *vaultStore) Create(ctx context.Context, v *vault.Vault) error {
	_, err := s.db.ExecContext(ctx, `
		insert into vaults(id, owner_id, status, threshold_approvals, guardian_count,
			inactivity_threshold_days, timelock_days, last_activity_at, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, v.ID, v.OwnerID, v.Status, v.ThresholdApprovals, v.GuardianCount,
		v.InactivityThresholdDays, v.TimelockDays, v.LastActivityAt, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("pg: owner %s already has a vault: %w", v.OwnerID, vault.ErrConflict)
	}
	return err
}

const vaultColumns = `id, owner_id, status, threshold_approvals, guardian_count,
	inactivity_threshold_days, timelock_days, last_activity_at, created_at, updated_at`

func scanVault(row interface{ Scan(...any) error }) (*vault.Vault, error) {
	var v vault.Vault
	err := row.Scan(&v.ID, &v.OwnerID, &v.Status, &v.ThresholdApprovals, &v.GuardianCount,
		&v.InactivityThresholdDays, &v.TimelockDays, &v.LastActivityAt, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pg: vault: %w", vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *vaultStore) Find(ctx context.Context, id string) (*vault.Vault, error) {
	return scanVault(s.db.QueryRowContext(ctx, `select `+vaultColumns+` from vaults where id=$1`, id))
}

func (s *vaultStore) FindByOwner(ctx context.Context, ownerID string) (*vault.Vault, error) {
	return scanVault(s.db.QueryRowContext(ctx, `select `+vaultColumns+` from vaults where owner_id=$1`, ownerID))
}

func (s *vaultStore) SaveConfig(ctx context.Context, v *vault.Vault) error {
	res, err := s.db.ExecContext(ctx, `
		update vaults
		set threshold_approvals=$2, guardian_count=$3, inactivity_threshold_days=$4,
			timelock_days=$5, updated_at=now()
		where id=$1
	`, v.ID, v.ThresholdApprovals, v.GuardianCount, v.InactivityThresholdDays, v.TimelockDays)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: vault %s: %w", v.ID, vault.ErrNotFound)
	}
	return nil
}

func (s *vaultStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update vaults set last_activity_at=$2, updated_at=$2 where id=$1`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: vault %s: %w", id, vault.ErrNotFound)
	}
	return nil
}

func (s *vaultStore) Transition(ctx context.Context, id string, from []vault.VaultStatus, to vault.VaultStatus) (bool, error) {
	args := []any{id, to}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, `
		update vaults set status=$2, updated_at=now()
		where id=$1 and status in (`+placeholders(3, len(from))+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *vaultStore) ListByStatus(ctx context.Context, status vault.VaultStatus) ([]*vault.Vault, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+vaultColumns+` from vaults where status=$1 order by created_at asc`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*vault.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- guardians ---

type guardianStore struct {
	db *sql.DB
}

const guardianColumns = `id, vault_id, email, name, invite_token, invite_expires_at,
	status, last_verified_at, created_at, updated_at`

func scanGuardian(row interface{ Scan(...any) error }) (*vault.Guardian, error) {
	var g vault.Guardian
	var verified sql.NullTime
	err := row.Scan(&g.ID, &g.VaultID, &g.Email, &g.Name, &g.InviteToken, &g.InviteExpiresAt,
		&g.Status, &verified, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pg: guardian: %w", vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if verified.Valid {
		t := verified.Time
		g.LastVerifiedAt = &t
	}
	return &g, nil
}

func (s *guardianStore) Create(ctx context.Context, g *vault.Guardian) error {
	_, err := s.db.ExecContext(ctx, `
		insert into guardians(id, vault_id, email, name, invite_token, invite_expires_at,
			status, last_verified_at, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, g.ID, g.VaultID, g.Email, g.Name, g.InviteToken, g.InviteExpiresAt,
		g.Status, nullTime(g.LastVerifiedAt), g.CreatedAt, g.UpdatedAt)
	return err
}

func (s *guardianStore) Find(ctx context.Context, id string) (*vault.Guardian, error) {
	return scanGuardian(s.db.QueryRowContext(ctx,
		`select `+guardianColumns+` from guardians where id=$1`, id))
}

func (s *guardianStore) FindByToken(ctx context.Context, token string) (*vault.Guardian, error) {
	return scanGuardian(s.db.QueryRowContext(ctx,
		`select `+guardianColumns+` from guardians where invite_token=$1`, token))
}

func (s *guardianStore) ListByVault(ctx context.Context, vaultID string) ([]*vault.Guardian, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+guardianColumns+` from guardians where vault_id=$1 order by created_at asc`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*vault.Guardian
	for rows.Next() {
		g, err := scanGuardian(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (s *guardianStore) Save(ctx context.Context, g *vault.Guardian) error {
	res, err := s.db.ExecContext(ctx, `
		update guardians
		set email=$2, name=$3, invite_token=$4, invite_expires_at=$5, status=$6,
			last_verified_at=$7, updated_at=$8
		where id=$1
	`, g.ID, g.Email, g.Name, g.InviteToken, g.InviteExpiresAt, g.Status,
		nullTime(g.LastVerifiedAt), g.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: guardian %s: %w", g.ID, vault.ErrNotFound)
	}
	return nil
}

// --- beneficiaries ---

type beneficiaryStore struct {
	db *sql.DB
}

const beneficiaryColumns = `id, vault_id, name, email, percentage, status, confirm_token,
	created_at, updated_at`

func scanBeneficiary(row interface{ Scan(...any) error }) (*vault.Beneficiary, error) {
	var b vault.Beneficiary
	err := row.Scan(&b.ID, &b.VaultID, &b.Name, &b.Email, &b.Percentage, &b.Status,
		&b.ConfirmToken, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pg: beneficiary: %w", vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *beneficiaryStore) Create(ctx context.Context, b *vault.Beneficiary) error {
	_, err := s.db.ExecContext(ctx, `
		insert into beneficiaries(id, vault_id, name, email, percentage, status, confirm_token,
			created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, b.ID, b.VaultID, b.Name, b.Email, b.Percentage, b.Status, b.ConfirmToken,
		b.CreatedAt, b.UpdatedAt)
	return err
}

func (s *beneficiaryStore) Find(ctx context.Context, id string) (*vault.Beneficiary, error) {
	return scanBeneficiary(s.db.QueryRowContext(ctx,
		`select `+beneficiaryColumns+` from beneficiaries where id=$1`, id))
}

func (s *beneficiaryStore) FindByToken(ctx context.Context, token string) (*vault.Beneficiary, error) {
	return scanBeneficiary(s.db.QueryRowContext(ctx,
		`select `+beneficiaryColumns+` from beneficiaries where confirm_token=$1`, token))
}

func (s *beneficiaryStore) ListByVault(ctx context.Context, vaultID string) ([]*vault.Beneficiary, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+beneficiaryColumns+` from beneficiaries where vault_id=$1 order by created_at asc`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*vault.Beneficiary
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (s *beneficiaryStore) Save(ctx context.Context, b *vault.Beneficiary) error {
	res, err := s.db.ExecContext(ctx, `
		update beneficiaries
		set name=$2, email=$3, percentage=$4, status=$5, confirm_token=$6, updated_at=$7
		where id=$1
	`, b.ID, b.Name, b.Email, b.Percentage, b.Status, b.ConfirmToken, b.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: beneficiary %s: %w", b.ID, vault.ErrNotFound)
	}
	return nil
}

// --- recovery requests ---

type recoveryStore struct {
	db *sql.DB
}

const requestColumns = `id, vault_id, origin, initiated_by, status, opened_at,
	threshold_met_at, execute_after, disbursement_ref, cancel_reason, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*vault.RecoveryRequest, error) {
	var r vault.RecoveryRequest
	var thresholdMet, executeAfter sql.NullTime
	err := row.Scan(&r.ID, &r.VaultID, &r.Origin, &r.InitiatedBy, &r.Status, &r.OpenedAt,
		&thresholdMet, &executeAfter, &r.DisbursementRef, &r.CancelReason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pg: recovery request: %w", vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if thresholdMet.Valid {
		t := thresholdMet.Time
		r.ThresholdMetAt = &t
	}
	if executeAfter.Valid {
		t := executeAfter.Time
		r.ExecuteAfter = &t
	}
	return &r, nil
}

// Create inserts the request only while no open request exists for the vault.
// The insert-where-not-exists races safely; the partial unique index on open
// requests backstops it, so a losing writer always sees ErrConflict.
func (s *recoveryStore) Create(ctx context.Context, r *vault.RecoveryRequest) error {
	res, err := s.db.ExecContext(ctx, `
		insert into recovery_requests(id, vault_id, origin, initiated_by, status, opened_at,
			created_at, updated_at)
		select $1,$2,$3,$4,$5,$6,$7,$8
		where not exists (
			select 1 from recovery_requests
			where vault_id=$2 and status in ('collecting','threshold_met','timelock_pending')
		)
	`, r.ID, r.VaultID, r.Origin, r.InitiatedBy, r.Status, r.OpenedAt, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("pg: vault %s already has an open recovery request: %w", r.VaultID, vault.ErrConflict)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: vault %s already has an open recovery request: %w", r.VaultID, vault.ErrConflict)
	}
	return nil
}

func (s *recoveryStore) Find(ctx context.Context, id string) (*vault.RecoveryRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`select `+requestColumns+` from recovery_requests where id=$1`, id))
}

func (s *recoveryStore) FindOpenByVault(ctx context.Context, vaultID string) (*vault.RecoveryRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `
		select `+requestColumns+` from recovery_requests
		where vault_id=$1 and status in ('collecting','threshold_met','timelock_pending')
	`, vaultID))
}

func (s *recoveryStore) ListOpen(ctx context.Context) ([]*vault.RecoveryRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+requestColumns+` from recovery_requests
		where status in ('collecting','threshold_met','timelock_pending')
		order by opened_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*vault.RecoveryRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *recoveryStore) Transition(ctx context.Context, id string, from []vault.RecoveryStatus, to vault.RecoveryStatus, upd vault.TransitionUpdate) (bool, error) {
	set := []string{"status=$2", "updated_at=now()"}
	args := []any{id, to}
	n := 3
	if upd.ClearStamps {
		set = append(set, "threshold_met_at=null", "execute_after=null")
	}
	if upd.ThresholdMetAt != nil {
		set = append(set, fmt.Sprintf("threshold_met_at=$%d", n))
		args = append(args, *upd.ThresholdMetAt)
		n++
	}
	if upd.ExecuteAfter != nil {
		set = append(set, fmt.Sprintf("execute_after=$%d", n))
		args = append(args, *upd.ExecuteAfter)
		n++
	}
	if upd.DisbursementRef != "" {
		set = append(set, fmt.Sprintf("disbursement_ref=$%d", n))
		args = append(args, upd.DisbursementRef)
		n++
	}
	if upd.CancelReason != "" {
		set = append(set, fmt.Sprintf("cancel_reason=$%d", n))
		args = append(args, upd.CancelReason)
		n++
	}
	for _, f := range from {
		args = append(args, f)
	}
	query := `update recovery_requests set ` + strings.Join(set, ", ") +
		` where id=$1 and status in (` + placeholders(n, len(from)) + `)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *recoveryStore) AddApproval(ctx context.Context, requestID, guardianID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into guardian_approvals(request_id, guardian_id, approved_at)
		values ($1,$2,$3) on conflict do nothing
	`, requestID, guardianID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *recoveryStore) Approvals(ctx context.Context, requestID string) ([]vault.GuardianApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		select request_id, guardian_id, approved_at
		from guardian_approvals where request_id=$1 order by approved_at asc
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []vault.GuardianApproval
	for rows.Next() {
		var a vault.GuardianApproval
		if err := rows.Scan(&a.RequestID, &a.GuardianID, &a.ApprovedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
