package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnurl-bridge/backend/internal/models"
)

type AddressRepo struct {
	pool *pgxpool.Pool
}

func NewAddressRepo(pool *pgxpool.Pool) *AddressRepo {
	return &AddressRepo{pool: pool}
}

const addressColumns = `id, local_part, domain, type, owner_id, group_id, member_address_id,
	metadata, settings, total_received_msats, payment_count, last_payment_at, created_at, updated_at`

func scanAddress(row rowScanner) (*models.Address, error) {
	var a models.Address
	err := row.Scan(&a.ID, &a.LocalPart, &a.Domain, &a.Type, &a.OwnerID, &a.GroupID, &a.MemberAddressID,
		&a.Metadata, &a.Settings, &a.Stats.TotalReceivedMsats, &a.Stats.PaymentCount, &a.Stats.LastPaymentAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// Create inserts a claimed address. Unique-index violations (taken local
// part, second personal address, second group address) map to ErrDuplicate.
func (r *AddressRepo) Create(ctx context.Context, a *models.Address) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO lightning_addresses (local_part, domain, type, owner_id, group_id, member_address_id, metadata, settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, a.LocalPart, a.Domain, a.Type, a.OwnerID, a.GroupID, a.MemberAddressID, a.Metadata, a.Settings,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	return mapErr(err)
}

func (r *AddressRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	return scanAddress(r.pool.QueryRow(ctx, `SELECT `+addressColumns+` FROM lightning_addresses WHERE id = $1`, id))
}

// GetByLocalPart matches case-insensitively.
func (r *AddressRepo) GetByLocalPart(ctx context.Context, localPart, domain string) (*models.Address, error) {
	return scanAddress(r.pool.QueryRow(ctx, `
		SELECT `+addressColumns+` FROM lightning_addresses
		WHERE lower(local_part) = lower($1) AND domain = $2
	`, localPart, domain))
}

func (r *AddressRepo) GetPersonalByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Address, error) {
	return scanAddress(r.pool.QueryRow(ctx, `
		SELECT `+addressColumns+` FROM lightning_addresses
		WHERE owner_id = $1 AND type = 'personal'
	`, ownerID))
}

func (r *AddressRepo) GetGroupAddress(ctx context.Context, groupID uuid.UUID) (*models.Address, error) {
	return scanAddress(r.pool.QueryRow(ctx, `
		SELECT `+addressColumns+` FROM lightning_addresses
		WHERE group_id = $1 AND type = 'group'
	`, groupID))
}

func (r *AddressRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Address, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+addressColumns+` FROM lightning_addresses
		WHERE owner_id = $1 ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Update rewrites metadata and settings. The local part is immutable.
func (r *AddressRepo) Update(ctx context.Context, a *models.Address) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE lightning_addresses SET metadata = $2, settings = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, a.Metadata, a.Settings).Scan(&a.UpdatedAt)
	return mapErr(err)
}

// RecordPayment bumps the running stats in one statement.
func (r *AddressRepo) RecordPayment(ctx context.Context, id uuid.UUID, amountMsats int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE lightning_addresses SET
			total_received_msats = total_received_msats + $2,
			payment_count = payment_count + 1,
			last_payment_at = $3,
			updated_at = now()
		WHERE id = $1
	`, id, amountMsats, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AddressRepo) LocalPartTaken(ctx context.Context, localPart, domain string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM lightning_addresses WHERE lower(local_part) = lower($1) AND domain = $2)
	`, localPart, domain).Scan(&exists)
	return exists, err
}
