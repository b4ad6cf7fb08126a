package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

const contactColumns = `id, phone_number, name, email, tags, call_count,
	 last_call_at, status, priority, created_at, updated_at`

// Create inserts a new contact.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	if c.Status == "" {
		c.Status = models.ContactActive
	}
	if c.Tags == "" {
		c.Tags = "[]"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (phone_number, name, email, tags, status, priority)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.PhoneNumber, c.Name, c.Email, c.Tags, c.Status, c.Priority,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a contact by ID.
func (r *contactRepo) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
}

// GetByPhone returns a contact by E.164 phone number.
func (r *contactRepo) GetByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone_number = ?`, phone))
}

// GetByIDs returns the contacts with the given IDs. Missing IDs are skipped;
// the result preserves no particular order.
func (r *contactRepo) GetByIDs(ctx context.Context, ids []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// List returns contacts matching the filter along with the total count.
func (r *contactRepo) List(ctx context.Context, filter ContactListFilter) ([]models.Contact, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where += " AND (phone_number LIKE ? OR name LIKE ? OR email LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting contacts: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE `+where+
			` ORDER BY priority DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	contacts, err := r.scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return contacts, total, nil
}

// Update modifies an existing contact.
func (r *contactRepo) Update(ctx context.Context, c *models.Contact) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET phone_number = ?, name = ?, email = ?, tags = ?,
		 status = ?, priority = ?, updated_at = datetime('now') WHERE id = ?`,
		c.PhoneNumber, c.Name, c.Email, c.Tags, c.Status, c.Priority, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}
	return nil
}

// Delete removes a contact.
func (r *contactRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	return nil
}

// UpsertByPhone inserts the contact or refreshes name/email/tags on the
// existing row keyed by phone number. Returns the row ID either way.
func (r *contactRepo) UpsertByPhone(ctx context.Context, c *models.Contact) (int64, error) {
	if c.Status == "" {
		c.Status = models.ContactActive
	}
	if c.Tags == "" {
		c.Tags = "[]"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (phone_number, name, email, tags, status, priority)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone_number) DO UPDATE SET
		 name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		 email = CASE WHEN excluded.email != '' THEN excluded.email ELSE contacts.email END,
		 tags = excluded.tags,
		 updated_at = datetime('now')`,
		c.PhoneNumber, c.Name, c.Email, c.Tags, c.Status, c.Priority,
	)
	if err != nil {
		return 0, fmt.Errorf("upserting contact: %w", err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT id FROM contacts WHERE phone_number = ?`, c.PhoneNumber).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading upserted contact: %w", err)
	}
	c.ID = id
	return id, nil
}

// RecordAttempt bumps call_count and last_call_at after a dial.
func (r *contactRepo) RecordAttempt(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET call_count = call_count + 1, last_call_at = ?,
		 updated_at = datetime('now') WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("recording contact attempt: %w", err)
	}
	return nil
}

// SetStatus updates the contact status.
func (r *contactRepo) SetStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET status = ?, updated_at = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("setting contact status: %w", err)
	}
	return nil
}

func (r *contactRepo) scanOne(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	var lastCall sql.NullTime
	err := row.Scan(&c.ID, &c.PhoneNumber, &c.Name, &c.Email, &c.Tags, &c.CallCount,
		&lastCall, &c.Status, &c.Priority, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	if lastCall.Valid {
		c.LastCallAt = &lastCall.Time
	}
	return &c, nil
}

func (r *contactRepo) scanAll(rows *sql.Rows) ([]models.Contact, error) {
	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var lastCall sql.NullTime
		if err := rows.Scan(&c.ID, &c.PhoneNumber, &c.Name, &c.Email, &c.Tags, &c.CallCount,
			&lastCall, &c.Status, &c.Priority, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}
		if lastCall.Valid {
			c.LastCallAt = &lastCall.Time
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
