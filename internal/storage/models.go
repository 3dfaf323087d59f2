package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action kinds recorded by the keeper.
const (
	ActionPropose = "propose"
	ActionDispute = "dispute"
	ActionSettle  = "settle"
)

// Action outcomes.
const (
	StatusSubmitted = "submitted"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// ActionRecord is one attempted keeper action, persisted for auditing and
// the show/export commands. RequestTime is the ledger timestamp of the
// underlying price request.
type ActionRecord struct {
	ID            int64
	Kind          string
	Requester     string
	Identifier    string
	RequestTime   int64
	AncillaryData string
	Price         *decimal.Decimal
	TxHash        *string
	Status        string
	Error         *string
	CreatedAt     time.Time
}
