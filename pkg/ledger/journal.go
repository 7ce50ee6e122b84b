package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Journal is an in-memory, hash-chained transfer journal.
type Journal struct {
	mu         sync.RWMutex
	entries    []Receipt
	byProposal map[string]uint64
	headHash   string
	clock      func() time.Time
}

func NewJournal() *Journal {
	return &Journal{
		entries:    make([]Receipt, 0),
		byProposal: make(map[string]uint64),
		headHash:   GenesisHash,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Transfer appends a transfer entry. A proposal can be transferred once.
func (j *Journal) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if seq, ok := j.byProposal[req.ProposalID]; ok {
		return nil, fmt.Errorf("%w: %s at sequence %d", ErrDuplicateTransfer, req.ProposalID, seq)
	}
	r, err := receiptFor(req, uint64(len(j.entries))+1, j.headHash, j.clock().UTC())
	if err != nil {
		return nil, err
	}
	j.entries = append(j.entries, *r)
	j.byProposal[req.ProposalID] = r.Sequence
	j.headHash = r.ContentHash

	out := *r
	return &out, nil
}

// Get retrieves an entry by sequence number.
func (j *Journal) Get(seq uint64) (*Receipt, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq == 0 || seq > uint64(len(j.entries)) {
		return nil, fmt.Errorf("entry %d: %w", seq, ErrNotFound)
	}
	e := j.entries[seq-1]
	return &e, nil
}

// ByProposal returns the entry recorded for a proposal.
func (j *Journal) ByProposal(proposalID string) (*Receipt, error) {
	j.mu.RLock()
	seq, ok := j.byProposal[proposalID]
	j.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	return j.Get(seq)
}

// Head returns the current head hash.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.headHash
}

// Length returns the number of entries.
func (j *Journal) Length() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Verify checks the integrity of the whole chain.
func (j *Journal) Verify() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return verifyChain(j.entries)
}
