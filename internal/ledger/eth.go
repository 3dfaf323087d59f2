package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"price-keeper/internal/oracle"
)

const (
	oracleABIJSON = `[
		{"type":"event","name":"RequestPrice","inputs":[
			{"name":"requester","type":"address","indexed":true},
			{"name":"identifier","type":"bytes32","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false},
			{"name":"ancillaryData","type":"bytes","indexed":false},
			{"name":"currency","type":"address","indexed":false},
			{"name":"reward","type":"uint256","indexed":false}]},
		{"type":"event","name":"ProposePrice","inputs":[
			{"name":"requester","type":"address","indexed":true},
			{"name":"proposer","type":"address","indexed":false},
			{"name":"identifier","type":"bytes32","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false},
			{"name":"ancillaryData","type":"bytes","indexed":false},
			{"name":"proposedPrice","type":"int256","indexed":false},
			{"name":"proposalTimestamp","type":"uint256","indexed":false},
			{"name":"expirationTimestamp","type":"uint256","indexed":false}]},
		{"type":"event","name":"DisputePrice","inputs":[
			{"name":"requester","type":"address","indexed":true},
			{"name":"proposer","type":"address","indexed":false},
			{"name":"disputer","type":"address","indexed":false},
			{"name":"identifier","type":"bytes32","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false},
			{"name":"ancillaryData","type":"bytes","indexed":false},
			{"name":"disputeTimestamp","type":"uint256","indexed":false}]},
		{"type":"event","name":"Settle","inputs":[
			{"name":"requester","type":"address","indexed":true},
			{"name":"proposer","type":"address","indexed":false},
			{"name":"disputer","type":"address","indexed":false},
			{"name":"identifier","type":"bytes32","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false},
			{"name":"ancillaryData","type":"bytes","indexed":false},
			{"name":"price","type":"int256","indexed":false},
			{"name":"payout","type":"uint256","indexed":false}]},
		{"type":"function","name":"proposePrice","stateMutability":"nonpayable","inputs":[
			{"name":"requester","type":"address"},
			{"name":"identifier","type":"bytes32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"ancillaryData","type":"bytes"},
			{"name":"proposedPrice","type":"int256"}],"outputs":[]},
		{"type":"function","name":"disputePrice","stateMutability":"nonpayable","inputs":[
			{"name":"requester","type":"address"},
			{"name":"identifier","type":"bytes32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"ancillaryData","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"settle","stateMutability":"nonpayable","inputs":[
			{"name":"requester","type":"address"},
			{"name":"identifier","type":"bytes32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"ancillaryData","type":"bytes"}],"outputs":[]}
	]`

	storeABIJSON = `[
		{"type":"function","name":"computeFinalFee","stateMutability":"view","inputs":[
			{"name":"currency","type":"address"}],
			"outputs":[{"name":"fee","type":"uint256"}]}
	]`

	votingABIJSON = `[
		{"type":"function","name":"hasPrice","stateMutability":"view","inputs":[
			{"name":"identifier","type":"bytes32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"ancillaryData","type":"bytes"}],
			"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"getPrice","stateMutability":"view","inputs":[
			{"name":"identifier","type":"bytes32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"ancillaryData","type":"bytes"}],
			"outputs":[{"name":"","type":"int256"}]}
	]`
)

var (
	oracleABI abi.ABI
	storeABI  abi.ABI
	votingABI abi.ABI
)

func init() {
	for _, entry := range []struct {
		name string
		json string
		dst  *abi.ABI
	}{
		{"oracle", oracleABIJSON, &oracleABI},
		{"store", storeABIJSON, &storeABI},
		{"voting", votingABIJSON, &votingABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(entry.json))
		if err != nil {
			panic("failed to parse " + entry.name + " ABI: " + err.Error())
		}
		*entry.dst = parsed
	}
}

// EncodeIdentifier packs an identifier string into its on-ledger bytes32
// form.
func EncodeIdentifier(identifier string) [32]byte {
	var out [32]byte
	copy(out[:], identifier)
	return out
}

// DecodeIdentifier reverses EncodeIdentifier.
func DecodeIdentifier(raw [32]byte) string {
	return strings.TrimRight(string(raw[:]), "\x00")
}

// ChainReader is the node surface the bridge reads from. *ethclient.Client
// satisfies it.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BridgeOptions locate the protocol contracts.
type BridgeOptions struct {
	Oracle  common.Address
	Store   common.Address
	Voting  common.Address
	Timeout time.Duration
}

// Bridge reads settlement-contract history and authoritative state through a
// Go-Ethereum client. It implements oracle.Source, oracle.FeeReader, and
// oracle.Voting.
type Bridge struct {
	reader ChainReader
	opts   BridgeOptions
	logger zerolog.Logger
}

// NewBridge constructs a bridge over the given node connection.
func NewBridge(reader ChainReader, opts BridgeOptions, logger zerolog.Logger) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Bridge{
		reader: reader,
		opts:   opts,
		logger: logger.With().Str("component", "ledger_bridge").Logger(),
	}
}

// Events scans oracle contract logs from fromBlock through the chain head.
func (b *Bridge) Events(ctx context.Context, fromBlock uint64) (oracle.EventBatch, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	latest, err := b.reader.BlockNumber(ctx)
	if err != nil {
		return oracle.EventBatch{}, 0, fmt.Errorf("block number: %w", err)
	}
	if fromBlock > latest {
		return oracle.EventBatch{}, fromBlock, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{b.opts.Oracle},
		Topics: [][]common.Hash{{
			oracleABI.Events["RequestPrice"].ID,
			oracleABI.Events["ProposePrice"].ID,
			oracleABI.Events["DisputePrice"].ID,
			oracleABI.Events["Settle"].ID,
		}},
	}

	logs, err := b.reader.FilterLogs(ctx, query)
	if err != nil {
		return oracle.EventBatch{}, 0, fmt.Errorf("filter logs: %w", err)
	}

	var batch oracle.EventBatch
	for _, lg := range logs {
		if err := b.decodeLog(lg, &batch); err != nil {
			b.logger.Warn().Err(err).
				Str("tx", lg.TxHash.Hex()).
				Uint64("block", lg.BlockNumber).
				Msg("undecodable oracle log skipped")
		}
	}
	batch.Sort()

	return batch, latest + 1, nil
}

func (b *Bridge) decodeLog(lg types.Log, batch *oracle.EventBatch) error {
	if len(lg.Topics) < 2 {
		return fmt.Errorf("log with %d topics", len(lg.Topics))
	}
	requester := common.BytesToAddress(lg.Topics[1].Bytes())

	event, err := oracleABI.EventByID(lg.Topics[0])
	if err != nil {
		return err
	}

	fields := make(map[string]any)
	if err := oracleABI.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
		return fmt.Errorf("unpack %s: %w", event.Name, err)
	}

	id := oracle.RequestID{
		Requester:     requester,
		Identifier:    DecodeIdentifier(fields["identifier"].([32]byte)),
		Timestamp:     fields["timestamp"].(*big.Int).Uint64(),
		AncillaryData: fields["ancillaryData"].([]byte),
	}

	switch event.Name {
	case "RequestPrice":
		batch.Requests = append(batch.Requests, oracle.RequestEvent{
			RequestID: id,
			Currency:  fields["currency"].(common.Address),
			Reward:    fields["reward"].(*big.Int),
			Block:     lg.BlockNumber,
			LogIndex:  lg.Index,
		})
	case "ProposePrice":
		batch.Proposals = append(batch.Proposals, oracle.ProposeEvent{
			RequestID:    id,
			Proposer:     fields["proposer"].(common.Address),
			Price:        fields["proposedPrice"].(*big.Int),
			ProposalTime: fields["proposalTimestamp"].(*big.Int).Uint64(),
			Expiration:   fields["expirationTimestamp"].(*big.Int).Uint64(),
			Block:        lg.BlockNumber,
			LogIndex:     lg.Index,
		})
	case "DisputePrice":
		batch.Disputes = append(batch.Disputes, oracle.DisputeEvent{
			RequestID:   id,
			Proposer:    fields["proposer"].(common.Address),
			Disputer:    fields["disputer"].(common.Address),
			DisputeTime: fields["disputeTimestamp"].(*big.Int).Uint64(),
			Block:       lg.BlockNumber,
			LogIndex:    lg.Index,
		})
	case "Settle":
		batch.Settlements = append(batch.Settlements, oracle.SettleEvent{
			RequestID: id,
			Price:     fields["price"].(*big.Int),
			Block:     lg.BlockNumber,
			LogIndex:  lg.Index,
		})
	default:
		return fmt.Errorf("unhandled event %s", event.Name)
	}
	return nil
}

// FinalFee reads the protocol's final fee for a collateral currency from the
// fee store contract.
func (b *Bridge) FinalFee(ctx context.Context, currency common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	payload, err := storeABI.Pack("computeFinalFee", currency)
	if err != nil {
		return nil, err
	}

	res, err := b.reader.CallContract(ctx, ethereum.CallMsg{To: &b.opts.Store, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("computeFinalFee: %w", err)
	}

	outputs, err := storeABI.Unpack("computeFinalFee", res)
	if err != nil {
		return nil, err
	}
	fee, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected computeFinalFee output %T", outputs[0])
	}
	return fee, nil
}

// Resolution queries the fallback voting contract for a disputed request's
// final price.
func (b *Bridge) Resolution(ctx context.Context, id oracle.RequestID) (*big.Int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	identifier := EncodeIdentifier(id.Identifier)
	timestamp := new(big.Int).SetUint64(id.Timestamp)

	payload, err := votingABI.Pack("hasPrice", identifier, timestamp, id.AncillaryData)
	if err != nil {
		return nil, false, err
	}
	res, err := b.reader.CallContract(ctx, ethereum.CallMsg{To: &b.opts.Voting, Data: payload}, nil)
	if err != nil {
		return nil, false, fmt.Errorf("hasPrice: %w", err)
	}
	outputs, err := votingABI.Unpack("hasPrice", res)
	if err != nil {
		return nil, false, err
	}
	if has, ok := outputs[0].(bool); !ok || !has {
		return nil, false, nil
	}

	payload, err = votingABI.Pack("getPrice", identifier, timestamp, id.AncillaryData)
	if err != nil {
		return nil, false, err
	}
	res, err = b.reader.CallContract(ctx, ethereum.CallMsg{To: &b.opts.Voting, Data: payload}, nil)
	if err != nil {
		return nil, false, fmt.Errorf("getPrice: %w", err)
	}
	outputs, err = votingABI.Unpack("getPrice", res)
	if err != nil {
		return nil, false, err
	}
	price, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, false, fmt.Errorf("unexpected getPrice output %T", outputs[0])
	}
	return price, true, nil
}

var (
	_ oracle.Source    = (*Bridge)(nil)
	_ oracle.FeeReader = (*Bridge)(nil)
	_ oracle.Voting    = (*Bridge)(nil)
)
