package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// Sender broadcasts a prepared transaction. Signing and key custody stay
// with the node or an external signer behind this interface.
type Sender interface {
	Send(ctx context.Context, from, to common.Address, data []byte, gasPrice *big.Int) (common.Hash, error)
}

// Submitter applies the write policy: a bounded per-attempt timeout and a
// single backed-off retry for transient transport failures. Ledger
// rejections are returned immediately, retrying cannot change them.
type Submitter struct {
	sender  Sender
	from    common.Address
	timeout time.Duration
	logger  zerolog.Logger
}

// NewSubmitter constructs a submitter sending from the operator account.
func NewSubmitter(sender Sender, from common.Address, timeout time.Duration, logger zerolog.Logger) *Submitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Submitter{
		sender:  sender,
		from:    from,
		timeout: timeout,
		logger:  logger.With().Str("component", "submitter").Logger(),
	}
}

// Send broadcasts data to the contract at to, retrying once on transient
// failure.
func (s *Submitter) Send(ctx context.Context, to common.Address, data []byte, gasPrice *big.Int) (common.Hash, error) {
	bo := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			case <-time.After(bo.Duration()):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		hash, err := s.sender.Send(attemptCtx, s.from, to, data, gasPrice)
		cancel()
		if err == nil {
			return hash, nil
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return common.Hash{}, err
		}
		if ctx.Err() != nil {
			return common.Hash{}, ctx.Err()
		}

		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transaction submission failed")
	}

	return common.Hash{}, fmt.Errorf("submission failed after retry: %w", lastErr)
}

// RPCClient is the raw call surface the node sender uses. *rpc.Client
// satisfies it.
type RPCClient interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// NodeSender broadcasts through eth_sendTransaction, leaving signing to the
// node's unlocked operator account.
type NodeSender struct {
	rpc RPCClient
}

// NewNodeSender constructs a sender over the given RPC connection.
func NewNodeSender(rpc RPCClient) *NodeSender {
	return &NodeSender{rpc: rpc}
}

func (s *NodeSender) Send(ctx context.Context, from, to common.Address, data []byte, gasPrice *big.Int) (common.Hash, error) {
	call := map[string]any{
		"from": from,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	if gasPrice != nil {
		call["gasPrice"] = (*hexutil.Big)(gasPrice)
	}

	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendTransaction", call); err != nil {
		return common.Hash{}, classifySendError(err)
	}
	return hash, nil
}

var _ Sender = (*NodeSender)(nil)
