package database

import (
	"context"
	"fmt"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

// phoneRepo implements PhoneRepository.
type phoneRepo struct {
	db *DB
}

// NewPhoneRepository creates a new PhoneRepository.
func NewPhoneRepository(db *DB) PhoneRepository {
	return &phoneRepo{db: db}
}

const phoneColumns = `mac, extension, user_agent, ip, first_registered,
	 last_registered, contact_uri`

// Upsert records a device registration. A refresh for the same
// (mac, extension) or (ip, extension) updates the existing row in place,
// preserving first_registered. A device re-provisioned to a different
// extension has its old row removed first, so the table never holds two
// rows for the same mac or the same ip.
func (r *phoneRepo) Upsert(ctx context.Context, phone *models.RegisteredPhone) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning phone upsert: %w", err)
	}
	defer tx.Rollback()

	// Re-provisioning: the same device now serves a different extension.
	if phone.MAC != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM registered_phones WHERE mac = ? AND extension != ?`,
			phone.MAC, phone.Extension); err != nil {
			return fmt.Errorf("removing re-provisioned mac rows: %w", err)
		}
	}
	if phone.IP != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM registered_phones WHERE ip = ? AND extension != ?`,
			phone.IP, phone.Extension); err != nil {
			return fmt.Errorf("removing re-provisioned ip rows: %w", err)
		}
	}

	// Refresh an existing row, matching on mac when known, otherwise ip.
	var result interface{ RowsAffected() (int64, error) }
	if phone.MAC != "" {
		result, err = tx.ExecContext(ctx,
			`UPDATE registered_phones SET user_agent = ?, ip = ?,
			 last_registered = ?, contact_uri = ?
			 WHERE mac = ? AND extension = ?`,
			phone.UserAgent, phone.IP, phone.LastRegistered, phone.ContactURI,
			phone.MAC, phone.Extension)
	} else {
		result, err = tx.ExecContext(ctx,
			`UPDATE registered_phones SET user_agent = ?, mac = ?,
			 last_registered = ?, contact_uri = ?
			 WHERE ip = ? AND extension = ?`,
			phone.UserAgent, phone.MAC, phone.LastRegistered, phone.ContactURI,
			phone.IP, phone.Extension)
	}
	if err != nil {
		return fmt.Errorf("updating phone row: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking phone update: %w", err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO registered_phones (mac, extension, user_agent, ip,
			 first_registered, last_registered, contact_uri)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			phone.MAC, phone.Extension, phone.UserAgent, phone.IP,
			phone.FirstRegistered, phone.LastRegistered, phone.ContactURI); err != nil {
			return fmt.Errorf("inserting phone row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing phone upsert: %w", err)
	}
	return nil
}

// GetByExtension returns all phone rows for an extension.
func (r *phoneRepo) GetByExtension(ctx context.Context, extension string) ([]models.RegisteredPhone, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+phoneColumns+` FROM registered_phones
		 WHERE extension = ? ORDER BY last_registered DESC`, extension)
	if err != nil {
		return nil, fmt.Errorf("querying phones by extension: %w", err)
	}
	defer rows.Close()
	return scanPhones(rows)
}

// List returns all phone rows.
func (r *phoneRepo) List(ctx context.Context) ([]models.RegisteredPhone, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+phoneColumns+` FROM registered_phones ORDER BY extension, last_registered DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing phones: %w", err)
	}
	defer rows.Close()
	return scanPhones(rows)
}

// DeleteAll removes all phone rows. Used on startup to clear stale state
// from a prior process instance.
func (r *phoneRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registered_phones`)
	if err != nil {
		return 0, fmt.Errorf("deleting all phone rows: %w", err)
	}
	return result.RowsAffected()
}

// DeleteIncomplete removes rows missing any key field. Such rows cannot
// satisfy either uniqueness key and are unusable for routing.
func (r *phoneRepo) DeleteIncomplete(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM registered_phones WHERE extension = '' OR (mac = '' AND ip = '')`)
	if err != nil {
		return 0, fmt.Errorf("deleting incomplete phone rows: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of phone rows.
func (r *phoneRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registered_phones`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting phone rows: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPhones(rows rowScanner) ([]models.RegisteredPhone, error) {
	var phones []models.RegisteredPhone
	for rows.Next() {
		var p models.RegisteredPhone
		if err := rows.Scan(&p.MAC, &p.Extension, &p.UserAgent, &p.IP,
			&p.FirstRegistered, &p.LastRegistered, &p.ContactURI); err != nil {
			return nil, fmt.Errorf("scanning phone row: %w", err)
		}
		phones = append(phones, p)
	}
	return phones, rows.Err()
}
