package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS transfers (
	sequence     INTEGER PRIMARY KEY,
	proposal_id  TEXT NOT NULL UNIQUE,
	treasury_id  TEXT NOT NULL,
	recipient    TEXT NOT NULL,
	amount       TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	content_hash TEXT NOT NULL
);`

const selectTransfer = `SELECT sequence, proposal_id, treasury_id, recipient, amount, category, created_at, prev_hash, content_hash FROM transfers`

// SQLJournal is a hash-chained transfer journal stored in SQLite.
type SQLJournal struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLJournal creates the transfers table if needed.
func NewSQLJournal(db *sql.DB) (*SQLJournal, error) {
	j := &SQLJournal{db: db, clock: time.Now}
	if _, err := db.ExecContext(context.Background(), journalSchema); err != nil {
		return nil, fmt.Errorf("migrate transfers: %w", err)
	}
	return j, nil
}

// WithClock overrides the clock for deterministic testing.
func (j *SQLJournal) WithClock(clock func() time.Time) *SQLJournal {
	j.clock = clock
	return j
}

// Transfer appends a transfer entry inside a transaction.
func (j *SQLJournal) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing uint64
	err = tx.QueryRowContext(ctx, `SELECT sequence FROM transfers WHERE proposal_id = ?`, req.ProposalID).Scan(&existing)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s at sequence %d", ErrDuplicateTransfer, req.ProposalID, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("lookup proposal %s: %w", req.ProposalID, err)
	}

	seq, prev := uint64(1), GenesisHash
	var lastSeq uint64
	var lastHash string
	err = tx.QueryRowContext(ctx, `SELECT sequence, content_hash FROM transfers ORDER BY sequence DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	switch {
	case err == nil:
		seq, prev = lastSeq+1, lastHash
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("read journal head: %w", err)
	}

	r, err := receiptFor(req, seq, prev, j.clock().UTC())
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfers (sequence, proposal_id, treasury_id, recipient, amount, category, created_at, prev_hash, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Sequence, r.ProposalID, r.TreasuryID, r.Recipient, strconv.FormatUint(r.Amount, 10),
		r.Category, r.Timestamp.Format(time.RFC3339Nano), r.PrevHash, r.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transfer: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanner) (*Receipt, error) {
	var r Receipt
	var amount, created string
	if err := row.Scan(&r.Sequence, &r.ProposalID, &r.TreasuryID, &r.Recipient, &amount, &r.Category, &created, &r.PrevHash, &r.ContentHash); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("entry %d: bad amount %q: %w", r.Sequence, amount, err)
	}
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("entry %d: bad timestamp %q: %w", r.Sequence, created, err)
	}
	return &r, nil
}

// ByProposal returns the entry recorded for a proposal.
func (j *SQLJournal) ByProposal(ctx context.Context, proposalID string) (*Receipt, error) {
	r, err := scanReceipt(j.db.QueryRowContext(ctx, selectTransfer+` WHERE proposal_id = ?`, proposalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	return r, err
}

// List returns every entry of a treasury in sequence order. An empty
// treasury ID lists all entries.
func (j *SQLJournal) List(ctx context.Context, treasuryID string) ([]Receipt, error) {
	query := selectTransfer
	var args []any
	if treasuryID != "" {
		query += ` WHERE treasury_id = ?`
		args = append(args, treasuryID)
	}
	rows, err := j.db.QueryContext(ctx, query+` ORDER BY sequence`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Verify checks the integrity of the whole chain.
func (j *SQLJournal) Verify(ctx context.Context) error {
	entries, err := j.List(ctx, "")
	if err != nil {
		return err
	}
	if err := verifyChain(entries); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}
