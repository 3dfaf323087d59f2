package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"price-keeper/internal/oracle"
)

// Transactor issues the three keeper writes against the settlement contract.
type Transactor interface {
	Propose(ctx context.Context, id oracle.RequestID, price, gasPrice *big.Int) (common.Hash, error)
	Dispute(ctx context.Context, id oracle.RequestID, gasPrice *big.Int) (common.Hash, error)
	Settle(ctx context.Context, id oracle.RequestID, gasPrice *big.Int) (common.Hash, error)
}

// EthTransactor packs settlement-contract calldata and submits it through
// the submitter's retry policy.
type EthTransactor struct {
	submitter *Submitter
	oracle    common.Address
}

// NewEthTransactor constructs a transactor for the oracle contract address.
func NewEthTransactor(submitter *Submitter, oracleAddr common.Address) *EthTransactor {
	return &EthTransactor{submitter: submitter, oracle: oracleAddr}
}

func (t *EthTransactor) Propose(ctx context.Context, id oracle.RequestID, price, gasPrice *big.Int) (common.Hash, error) {
	data, err := oracleABI.Pack("proposePrice",
		id.Requester, EncodeIdentifier(id.Identifier), new(big.Int).SetUint64(id.Timestamp), id.AncillaryData, price)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack proposePrice: %w", err)
	}
	return t.submitter.Send(ctx, t.oracle, data, gasPrice)
}

func (t *EthTransactor) Dispute(ctx context.Context, id oracle.RequestID, gasPrice *big.Int) (common.Hash, error) {
	data, err := oracleABI.Pack("disputePrice",
		id.Requester, EncodeIdentifier(id.Identifier), new(big.Int).SetUint64(id.Timestamp), id.AncillaryData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack disputePrice: %w", err)
	}
	return t.submitter.Send(ctx, t.oracle, data, gasPrice)
}

func (t *EthTransactor) Settle(ctx context.Context, id oracle.RequestID, gasPrice *big.Int) (common.Hash, error) {
	data, err := oracleABI.Pack("settle",
		id.Requester, EncodeIdentifier(id.Identifier), new(big.Int).SetUint64(id.Timestamp), id.AncillaryData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack settle: %w", err)
	}
	return t.submitter.Send(ctx, t.oracle, data, gasPrice)
}

var _ Transactor = (*EthTransactor)(nil)
