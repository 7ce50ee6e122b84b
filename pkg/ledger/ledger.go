// Package ledger is the boundary to the custody system that actually moves
// value out of a treasury.
//
// Ledger is the collaborator the proposal lifecycle calls on execution.
// Journal and SQLJournal are hash-chained transfer journals usable as a
// Ledger in tests, simulations and single-node deployments. Breaker guards
// any Ledger with a circuit breaker.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
)

var (
	ErrNotFound          = errors.New("ledger: entry not found")
	ErrDuplicateTransfer = errors.New("ledger: proposal already transferred")
	ErrInvalidTransfer   = errors.New("ledger: invalid transfer")
)

// GenesisHash is the PrevHash of the first journal entry.
const GenesisHash = "genesis"

// TransferRequest moves Amount from a treasury to Recipient.
type TransferRequest struct {
	TreasuryID  string    `json:"treasury_id"`
	ProposalID  string    `json:"proposal_id"`
	Recipient   string    `json:"recipient"`
	Amount      uint64    `json:"amount"`
	Category    string    `json:"category,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (r TransferRequest) validate() error {
	switch {
	case r.TreasuryID == "":
		return fmt.Errorf("%w: treasury id is empty", ErrInvalidTransfer)
	case r.ProposalID == "":
		return fmt.Errorf("%w: proposal id is empty", ErrInvalidTransfer)
	case r.Recipient == "":
		return fmt.Errorf("%w: recipient is empty", ErrInvalidTransfer)
	case r.Amount == 0:
		return fmt.Errorf("%w: amount is zero", ErrInvalidTransfer)
	}
	return nil
}

// Receipt is the committed record of a transfer.
type Receipt struct {
	Sequence    uint64    `json:"sequence"`
	TreasuryID  string    `json:"treasury_id"`
	ProposalID  string    `json:"proposal_id"`
	Recipient   string    `json:"recipient"`
	Amount      uint64    `json:"amount"`
	Category    string    `json:"category,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	PrevHash    string    `json:"prev_hash"`
	ContentHash string    `json:"content_hash"`
}

// Ledger performs transfers.
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) (*Receipt, error)
}

// Func adapts a function to a Ledger.
type Func func(ctx context.Context, req TransferRequest) (*Receipt, error)

func (f Func) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return f(ctx, req)
}

// contentHash hashes the RFC 8785 canonical form of the entry's content.
func contentHash(r *Receipt) (string, error) {
	hashInput := struct {
		Seq        uint64 `json:"seq"`
		TreasuryID string `json:"treasury_id"`
		ProposalID string `json:"proposal_id"`
		Recipient  string `json:"recipient"`
		Amount     string `json:"amount"`
		Category   string `json:"category"`
		Timestamp  string `json:"timestamp"`
		PrevHash   string `json:"prev"`
	}{
		Seq:        r.Sequence,
		TreasuryID: r.TreasuryID,
		ProposalID: r.ProposalID,
		Recipient:  r.Recipient,
		Amount:     strconv.FormatUint(r.Amount, 10),
		Category:   r.Category,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:   r.PrevHash,
	}
	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func receiptFor(req TransferRequest, seq uint64, prev string, at time.Time) (*Receipt, error) {
	r := &Receipt{
		Sequence:   seq,
		TreasuryID: req.TreasuryID,
		ProposalID: req.ProposalID,
		Recipient:  req.Recipient,
		Amount:     req.Amount,
		Category:   req.Category,
		Timestamp:  at,
		PrevHash:   prev,
	}
	h, err := contentHash(r)
	if err != nil {
		return nil, err
	}
	r.ContentHash = h
	return r, nil
}

// verifyChain checks linkage and hashes of entries in sequence order.
func verifyChain(entries []Receipt) error {
	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		computed, err := contentHash(e)
		if err != nil {
			return err
		}
		if computed != e.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", e.Sequence)
		}
		prev = e.ContentHash
	}
	return nil
}
