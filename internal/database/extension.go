package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

// extensionRepo implements ExtensionRepository.
type extensionRepo struct {
	db *DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *DB) ExtensionRepository {
	return &extensionRepo{db: db}
}

const extensionColumns = `number, name, email, password_hash, password_salt,
	 allow_external, voicemail_pin_hash, voicemail_pin_salt,
	 ad_synced, ad_username, created_at, updated_at`

// Create inserts a new extension.
func (r *extensionRepo) Create(ctx context.Context, ext *models.Extension) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO extensions (number, name, email, password_hash, password_salt,
		 allow_external, voicemail_pin_hash, voicemail_pin_salt, ad_synced, ad_username)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ext.Number, ext.Name, ext.Email, ext.PasswordHash, ext.PasswordSalt,
		ext.AllowExternal, ext.VoicemailPINHash, ext.VoicemailPINSalt,
		ext.ADSynced, ext.ADUsername,
	)
	if err != nil {
		return fmt.Errorf("inserting extension: %w", err)
	}
	return nil
}

// GetByNumber returns the extension with the given number, or nil if none.
func (r *extensionRepo) GetByNumber(ctx context.Context, number string) (*models.Extension, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE number = ?`, number)

	var ext models.Extension
	err := row.Scan(&ext.Number, &ext.Name, &ext.Email, &ext.PasswordHash,
		&ext.PasswordSalt, &ext.AllowExternal, &ext.VoicemailPINHash,
		&ext.VoicemailPINSalt, &ext.ADSynced, &ext.ADUsername,
		&ext.CreatedAt, &ext.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	return &ext, nil
}

// List returns all extensions ordered by number.
func (r *extensionRepo) List(ctx context.Context) ([]models.Extension, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("listing extensions: %w", err)
	}
	defer rows.Close()

	var exts []models.Extension
	for rows.Next() {
		var ext models.Extension
		if err := rows.Scan(&ext.Number, &ext.Name, &ext.Email, &ext.PasswordHash,
			&ext.PasswordSalt, &ext.AllowExternal, &ext.VoicemailPINHash,
			&ext.VoicemailPINSalt, &ext.ADSynced, &ext.ADUsername,
			&ext.CreatedAt, &ext.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, ext)
	}
	return exts, rows.Err()
}

// Update modifies an existing extension.
func (r *extensionRepo) Update(ctx context.Context, ext *models.Extension) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE extensions SET name = ?, email = ?, password_hash = ?, password_salt = ?,
		 allow_external = ?, voicemail_pin_hash = ?, voicemail_pin_salt = ?,
		 ad_synced = ?, ad_username = ?, updated_at = datetime('now')
		 WHERE number = ?`,
		ext.Name, ext.Email, ext.PasswordHash, ext.PasswordSalt,
		ext.AllowExternal, ext.VoicemailPINHash, ext.VoicemailPINSalt,
		ext.ADSynced, ext.ADUsername, ext.Number,
	)
	if err != nil {
		return fmt.Errorf("updating extension: %w", err)
	}
	return nil
}

// Delete removes an extension by number.
func (r *extensionRepo) Delete(ctx context.Context, number string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM extensions WHERE number = ?`, number)
	if err != nil {
		return fmt.Errorf("deleting extension: %w", err)
	}
	return nil
}

// Count returns the number of provisioned extensions.
func (r *extensionRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extensions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting extensions: %w", err)
	}
	return count, nil
}
