package spending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS spending_windows (
	treasury_id  TEXT        NOT NULL,
	scope        TEXT        NOT NULL,
	period       SMALLINT    NOT NULL,
	spent        BIGINT      NOT NULL DEFAULT 0,
	window_start TIMESTAMPTZ,
	PRIMARY KEY (treasury_id, scope, period)
);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the spending_windows table if needed.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to init spending schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key Key) (Window, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT spent, window_start FROM spending_windows WHERE treasury_id = $1 AND scope = $2 AND period = $3",
		key.TreasuryID, key.Scope, int(key.Period))

	var spent int64
	var start sql.NullTime
	err := row.Scan(&spent, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("failed to get spending window: %w", err)
	}
	w := Window{Spent: uint64(spent)}
	if start.Valid {
		w.Start = start.Time
	}
	return w, nil
}

// SaveAll upserts every entry inside a single transaction.
func (s *PostgresStore) SaveAll(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO spending_windows (treasury_id, scope, period, spent, window_start)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (treasury_id, scope, period) DO UPDATE SET
			spent = EXCLUDED.spent,
			window_start = EXCLUDED.window_start
	`
	for _, e := range entries {
		if e.Window.Spent > math.MaxInt64 {
			return fmt.Errorf("spending window %s: spent %d exceeds storable range", e.Key, e.Window.Spent)
		}
		var start sql.NullTime
		if !e.Window.Start.IsZero() {
			start = sql.NullTime{Time: e.Window.Start, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query,
			e.Key.TreasuryID, e.Key.Scope, int(e.Key.Period), int64(e.Window.Spent), start); err != nil {
			return fmt.Errorf("failed to persist spending window %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spending windows: %w", err)
	}
	return nil
}
