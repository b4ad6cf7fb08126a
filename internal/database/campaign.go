package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

const campaignColumns = `id, name, status, prompt, first_message, caller_id,
	 region, contact_ids, settings, stats, created_at, updated_at,
	 started_at, completed_at`

// Create inserts a new campaign.
func (r *campaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	contactIDs, settings, stats, err := marshalCampaignJSON(c)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO campaigns (name, status, prompt, first_message, caller_id,
		 region, contact_ids, settings, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Status, c.Prompt, c.FirstMessage, c.CallerID,
		c.Region, contactIDs, settings, stats,
	)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a campaign by ID.
func (r *campaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
}

// List returns all campaigns, newest first.
func (r *campaignRepo) List(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListByStatus returns campaigns in the given status, oldest first so that
// earlier campaigns get dial slots first.
func (r *campaignRepo) ListByStatus(ctx context.Context, status string) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns by status: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// Update modifies an existing campaign.
func (r *campaignRepo) Update(ctx context.Context, c *models.Campaign) error {
	contactIDs, settings, stats, err := marshalCampaignJSON(c)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE campaigns SET name = ?, status = ?, prompt = ?, first_message = ?,
		 caller_id = ?, region = ?, contact_ids = ?, settings = ?, stats = ?,
		 started_at = ?, completed_at = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		c.Name, c.Status, c.Prompt, c.FirstMessage,
		c.CallerID, c.Region, contactIDs, settings, stats,
		c.StartedAt, c.CompletedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating campaign: %w", err)
	}
	return nil
}

// UpdateStatus sets only the campaign status. Completed and cancelled are
// terminal; transitions out of them are rejected.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?,
		 started_at = CASE WHEN ? = 'active' AND started_at IS NULL THEN datetime('now') ELSE started_at END,
		 completed_at = CASE WHEN ? IN ('completed', 'cancelled') THEN datetime('now') ELSE completed_at END,
		 updated_at = datetime('now')
		 WHERE id = ? AND status NOT IN ('completed', 'cancelled')`,
		status, status, status, id,
	)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking campaign status update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStats persists the aggregate counters.
func (r *campaignRepo) UpdateStats(ctx context.Context, id int64, stats models.CampaignStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling campaign stats: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE campaigns SET stats = ?, updated_at = datetime('now') WHERE id = ?`,
		string(data), id)
	if err != nil {
		return fmt.Errorf("updating campaign stats: %w", err)
	}
	return nil
}

// Delete removes a campaign. The calls foreign key cascades so all of the
// campaign's calls and their dependents are removed with it.
func (r *campaignRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting campaign: %w", err)
	}
	return nil
}

func marshalCampaignJSON(c *models.Campaign) (contactIDs, settings, stats string, err error) {
	ids := c.ContactIDs
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling contact ids: %w", err)
	}
	s, err := json.Marshal(c.Settings)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling campaign settings: %w", err)
	}
	st, err := json.Marshal(c.Stats)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling campaign stats: %w", err)
	}
	return string(b), string(s), string(st), nil
}

func (r *campaignRepo) scanOne(row *sql.Row) (*models.Campaign, error) {
	c, err := scanCampaign(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *campaignRepo) scanAll(rows *sql.Rows) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func scanCampaign(scan func(...any) error) (*models.Campaign, error) {
	var c models.Campaign
	var contactIDs, settings, stats string
	var startedAt, completedAt sql.NullTime
	err := scan(&c.ID, &c.Name, &c.Status, &c.Prompt, &c.FirstMessage, &c.CallerID,
		&c.Region, &contactIDs, &settings, &stats, &c.CreatedAt, &c.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning campaign: %w", err)
	}
	if err := json.Unmarshal([]byte(contactIDs), &c.ContactIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling contact ids: %w", err)
	}
	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
			return nil, fmt.Errorf("unmarshaling campaign settings: %w", err)
		}
	}
	if stats != "" && stats != "{}" {
		if err := json.Unmarshal([]byte(stats), &c.Stats); err != nil {
			return nil, fmt.Errorf("unmarshaling campaign stats: %w", err)
		}
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}
