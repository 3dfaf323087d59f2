package oracle

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// RequestEvent records a new price request appearing on the ledger.
type RequestEvent struct {
	RequestID
	Currency common.Address
	Reward   *big.Int
	Block    uint64
	LogIndex uint
}

// ProposeEvent records a price proposal for an existing request.
type ProposeEvent struct {
	RequestID
	Proposer     common.Address
	Price        *big.Int
	ProposalTime uint64
	Expiration   uint64
	Block        uint64
	LogIndex     uint
}

// DisputeEvent records a dispute raised against a live proposal.
type DisputeEvent struct {
	RequestID
	Proposer    common.Address
	Disputer    common.Address
	DisputeTime uint64
	Block       uint64
	LogIndex    uint
}

// SettleEvent records the final settlement of a request.
type SettleEvent struct {
	RequestID
	Price    *big.Int
	Block    uint64
	LogIndex uint
}

// EventBatch groups the events scanned from a block range. Each slice is
// ordered by (block, log index), i.e. ledger emission order.
type EventBatch struct {
	Requests    []RequestEvent
	Proposals   []ProposeEvent
	Disputes    []DisputeEvent
	Settlements []SettleEvent
}

func (b EventBatch) empty() bool {
	return len(b.Requests) == 0 && len(b.Proposals) == 0 && len(b.Disputes) == 0 && len(b.Settlements) == 0
}

func (b EventBatch) clone() EventBatch {
	return EventBatch{
		Requests:    append([]RequestEvent(nil), b.Requests...),
		Proposals:   append([]ProposeEvent(nil), b.Proposals...),
		Disputes:    append([]DisputeEvent(nil), b.Disputes...),
		Settlements: append([]SettleEvent(nil), b.Settlements...),
	}
}

func (b *EventBatch) append(other EventBatch) {
	b.Requests = append(b.Requests, other.Requests...)
	b.Proposals = append(b.Proposals, other.Proposals...)
	b.Disputes = append(b.Disputes, other.Disputes...)
	b.Settlements = append(b.Settlements, other.Settlements...)
}

// Sort orders each event kind by (block, log index). Sources return sorted
// batches; the client re-sorts after merging scans.
func (b *EventBatch) Sort() {
	sort.SliceStable(b.Requests, func(i, j int) bool {
		return before(b.Requests[i].Block, b.Requests[i].LogIndex, b.Requests[j].Block, b.Requests[j].LogIndex)
	})
	sort.SliceStable(b.Proposals, func(i, j int) bool {
		return before(b.Proposals[i].Block, b.Proposals[i].LogIndex, b.Proposals[j].Block, b.Proposals[j].LogIndex)
	})
	sort.SliceStable(b.Disputes, func(i, j int) bool {
		return before(b.Disputes[i].Block, b.Disputes[i].LogIndex, b.Disputes[j].Block, b.Disputes[j].LogIndex)
	})
	sort.SliceStable(b.Settlements, func(i, j int) bool {
		return before(b.Settlements[i].Block, b.Settlements[i].LogIndex, b.Settlements[j].Block, b.Settlements[j].LogIndex)
	})
}

func before(b1 uint64, l1 uint, b2 uint64, l2 uint) bool {
	if b1 != b2 {
		return b1 < b2
	}
	return l1 < l2
}

// Source provides the ordered event history of the settlement contract.
// Events returns everything from fromBlock onward together with the next
// cursor position.
type Source interface {
	Events(ctx context.Context, fromBlock uint64) (EventBatch, uint64, error)
}

// FeeReader resolves the protocol's final fee for a collateral currency.
type FeeReader interface {
	FinalFee(ctx context.Context, currency common.Address) (*big.Int, error)
}

// Voting queries the fallback oracle for the resolution of a disputed
// request. The bool result reports whether a price has been published.
type Voting interface {
	Resolution(ctx context.Context, id RequestID) (*big.Int, bool, error)
}
