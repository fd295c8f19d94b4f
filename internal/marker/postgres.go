package marker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Claim relies on the primary key: a conflicting insert affects zero rows.
func (s *PostgresStore) Claim(ctx context.Context, itemID int64) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO notification_markers (item_id, state, sent_at, campaign_id, updated_at)
VALUES ($1, $2, NULL, NULL, $3)
ON CONFLICT (item_id) DO NOTHING
`, itemID, string(StateClaimed), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marker claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, itemID int64) (Marker, bool, error) {
	if err := validateItemID(itemID); err != nil {
		return Marker{}, false, err
	}

	var (
		state      string
		sentAt     *time.Time
		campaignID *int64
	)
	err := s.pool.QueryRow(ctx, `
SELECT state, sent_at, campaign_id
FROM notification_markers
WHERE item_id = $1
`, itemID).Scan(&state, &sentAt, &campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Marker{}, false, nil
		}
		return Marker{}, false, fmt.Errorf("marker get: %w", err)
	}

	m := Marker{State: State(strings.TrimSpace(state))}
	if sentAt != nil {
		m.SentAt = sentAt.UTC()
	}
	if campaignID != nil {
		m.CampaignID = *campaignID
	}
	return m, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, itemID int64, m Marker) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO notification_markers (item_id, state, sent_at, campaign_id, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET
	state = EXCLUDED.state,
	sent_at = EXCLUDED.sent_at,
	campaign_id = EXCLUDED.campaign_id,
	updated_at = EXCLUDED.updated_at
`, itemID, string(m.State), nullableTime(m.SentAt), nullableInt64(m.CampaignID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marker put: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, itemID int64) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM notification_markers WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("marker delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS notification_markers (
	item_id BIGINT PRIMARY KEY,
	state TEXT NOT NULL,
	sent_at TIMESTAMPTZ NULL,
	campaign_id BIGINT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("init notification_markers schema: %w", err)
	}
	return nil
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}

func nullableInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
