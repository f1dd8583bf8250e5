package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// ReservationRepository persists TTL-bounded resource locks. Expiry is
// lazy: expired rows are ignored by reads and replaced on acquire, never
// reaped by a background job.
type ReservationRepository struct {
	db *pgxpool.Pool
}

// NewReservationRepository creates a ReservationRepository.
func NewReservationRepository(db *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// ErrHeldByOther is returned when a reservation operation finds the lock
// held, unexpired, by a different agent. Holder describes the current owner.
type ErrHeldByOther struct {
	HolderAgentID uuid.UUID
	HolderAlias   string
	ExpiresAt     time.Time
}

func (e *ErrHeldByOther) Error() string { return "reservation held by another agent" }

const reservationColumns = `project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata`

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var res model.Reservation
	err := row.Scan(&res.ProjectID, &res.ResourceKey, &res.HolderAgentID, &res.HolderAlias,
		&res.AcquiredAt, &res.ExpiresAt, &res.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Acquire takes the lock on resourceKey, replacing an expired row if one is
// in the way. Returns *ErrHeldByOther when the lock is live under someone
// else (including the caller re-acquiring is allowed: same holder with a
// live row still conflicts, matching first-wins semantics).
func (r *ReservationRepository) Acquire(ctx context.Context, projectID, agentID uuid.UUID, holderAlias, resourceKey string, ttl time.Duration, metadata map[string]any) (*model.Reservation, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	if metadata == nil {
		metadata = map[string]any{}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		holderID      uuid.UUID
		holderAliasDB string
		holderExpires time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT holder_agent_id, holder_alias, expires_at
		 FROM reservations
		 WHERE project_id = $1 AND resource_key = $2
		 FOR UPDATE`,
		projectID, resourceKey).Scan(&holderID, &holderAliasDB, &holderExpires)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// free
	case err != nil:
		return nil, err
	case holderExpires.After(now):
		return nil, &ErrHeldByOther{HolderAgentID: holderID, HolderAlias: holderAliasDB, ExpiresAt: holderExpires}
	default:
		if _, err := tx.Exec(ctx,
			`DELETE FROM reservations WHERE project_id = $1 AND resource_key = $2`,
			projectID, resourceKey); err != nil {
			return nil, err
		}
	}

	res, err := scanReservation(tx.QueryRow(ctx,
		`INSERT INTO reservations
		    (project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+reservationColumns,
		projectID, resourceKey, agentID, holderAlias, now, expiresAt, metadata))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// Renew extends the caller's own live reservation. ErrNotFound when the
// lock is missing or already expired; *ErrHeldByOther when someone else
// holds it.
func (r *ReservationRepository) Renew(ctx context.Context, projectID, agentID uuid.UUID, resourceKey string, ttl time.Duration) (time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback(ctx)

	var (
		holderID      uuid.UUID
		holderAlias   string
		holderExpires time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT holder_agent_id, holder_alias, expires_at
		 FROM reservations
		 WHERE project_id = $1 AND resource_key = $2
		 FOR UPDATE`,
		projectID, resourceKey).Scan(&holderID, &holderAlias, &holderExpires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if !holderExpires.After(now) {
		return time.Time{}, ErrNotFound
	}
	if holderID != agentID {
		return time.Time{}, &ErrHeldByOther{HolderAgentID: holderID, HolderAlias: holderAlias, ExpiresAt: holderExpires}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET expires_at = $3
		 WHERE project_id = $1 AND resource_key = $2`,
		projectID, resourceKey, expiresAt); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// Release drops the caller's reservation. Missing or expired rows release
// idempotently (deleted=false); a live row under another holder returns
// *ErrHeldByOther.
func (r *ReservationRepository) Release(ctx context.Context, projectID, agentID uuid.UUID, resourceKey string) (bool, error) {
	now := time.Now().UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var (
		holderID      uuid.UUID
		holderAlias   string
		holderExpires time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT holder_agent_id, holder_alias, expires_at
		 FROM reservations
		 WHERE project_id = $1 AND resource_key = $2
		 FOR UPDATE`,
		projectID, resourceKey).Scan(&holderID, &holderAlias, &holderExpires)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, tx.Commit(ctx)
	}
	if err != nil {
		return false, err
	}
	if !holderExpires.After(now) {
		return false, tx.Commit(ctx)
	}
	if holderID != agentID {
		return false, &ErrHeldByOther{HolderAgentID: holderID, HolderAlias: holderAlias, ExpiresAt: holderExpires}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM reservations WHERE project_id = $1 AND resource_key = $2`,
		projectID, resourceKey); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Revoke drops every reservation in the tenant, optionally narrowed to
// resource_key LIKE prefix%, regardless of holder. Returns the number of
// rows dropped.
func (r *ReservationRepository) Revoke(ctx context.Context, projectID uuid.UUID, prefix string) (int, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prefix == "" {
		tag, err = r.db.Exec(ctx,
			`DELETE FROM reservations WHERE project_id = $1`, projectID)
	} else {
		tag, err = r.db.Exec(ctx,
			`DELETE FROM reservations
			 WHERE project_id = $1 AND resource_key LIKE ($2 || '%')`,
			projectID, prefix)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// List returns live reservations in a project, optionally narrowed to a
// resource key prefix, ordered by key.
func (r *ReservationRepository) List(ctx context.Context, projectID uuid.UUID, prefix string) ([]*model.Reservation, error) {
	now := time.Now().UTC()
	var (
		rows pgx.Rows
		err  error
	)
	if prefix == "" {
		rows, err = r.db.Query(ctx,
			`SELECT `+reservationColumns+` FROM reservations
			 WHERE project_id = $1 AND expires_at > $2
			 ORDER BY resource_key ASC`, projectID, now)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+reservationColumns+` FROM reservations
			 WHERE project_id = $1 AND expires_at > $2 AND resource_key LIKE ($3 || '%')
			 ORDER BY resource_key ASC`, projectID, now, prefix)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
