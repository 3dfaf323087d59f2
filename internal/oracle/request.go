package oracle

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestID is the identity of a price request. Two requests are the same
// request iff all four fields match.
type RequestID struct {
	Requester     common.Address
	Identifier    string
	Timestamp     uint64
	AncillaryData []byte
}

// Key returns a stable map key for the identity.
func (id RequestID) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s", id.Requester.Hex(), id.Identifier, id.Timestamp, hex.EncodeToString(id.AncillaryData))
}

func (id RequestID) String() string {
	return fmt.Sprintf("%s@%d by %s", id.Identifier, id.Timestamp, id.Requester.Hex())
}

// PriceRequest is a pending request recorded by the ledger. Immutable once
// observed.
type PriceRequest struct {
	RequestID
	Currency common.Address
	Reward   *big.Int
	FinalFee *big.Int
}

// Proposal extends a request with the price put forward by a proposer. It is
// never mutated, only superseded by a Dispute or a settlement.
type Proposal struct {
	RequestID
	Proposer     common.Address
	Price        *big.Int
	ProposalTime uint64
	Expiration   uint64
}

// Expired reports whether the liveness window has lapsed at the given time.
func (p Proposal) Expired(now time.Time) bool {
	return uint64(now.Unix()) >= p.Expiration
}

// Dispute extends a proposal with the party contesting it.
type Dispute struct {
	RequestID
	Proposer    common.Address
	Disputer    common.Address
	DisputeTime uint64
}

// Resolution is the fallback oracle's final answer for a disputed request.
type Resolution struct {
	RequestID
	Price *big.Int
}
