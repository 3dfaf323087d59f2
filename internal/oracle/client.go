package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Stage is the lifecycle position of a single request identity. Every
// tracked identity is in exactly one stage at any point in time.
type Stage int

const (
	StageUnproposed Stage = iota
	StageProposed
	StageSettleableProposal
	StageDisputed
	StageSettleableDispute
	StageSettled
)

func (s Stage) String() string {
	switch s {
	case StageUnproposed:
		return "unproposed"
	case StageProposed:
		return "proposed"
	case StageSettleableProposal:
		return "settleable-proposal"
	case StageDisputed:
		return "disputed"
	case StageSettleableDispute:
		return "settleable-dispute"
	case StageSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Summary counts tracked identities per lifecycle stage.
type Summary struct {
	Unproposed          int
	Proposed            int
	SettleableProposals int
	Disputed            int
	SettleableDisputes  int
	Settled             int
}

type requestState struct {
	request    PriceRequest
	proposal   *Proposal
	dispute    *Dispute
	resolution *Resolution
	settled    bool
}

// view is one immutable reconciliation of the event history. It is replaced
// wholesale on every update, never patched.
type view struct {
	order  []string
	states map[string]*requestState
}

// StateClient maintains the reconciled lifecycle view of every price request
// recorded by the settlement contract. Update rebuilds the view from the
// accumulated event history; the read accessors operate on the last
// successfully built view.
type StateClient struct {
	source Source
	fees   FeeReader
	voting Voting
	logger zerolog.Logger

	mu      sync.RWMutex
	current *view
	cursor  uint64

	history     EventBatch
	finalFees   map[common.Address]*big.Int
	resolutions map[string]*big.Int

	now func() time.Time
}

// NewStateClient constructs a client scanning from genesisBlock.
func NewStateClient(source Source, fees FeeReader, voting Voting, genesisBlock uint64, logger zerolog.Logger) *StateClient {
	return &StateClient{
		source:      source,
		fees:        fees,
		voting:      voting,
		logger:      logger.With().Str("component", "chain_state").Logger(),
		cursor:      genesisBlock,
		finalFees:   make(map[common.Address]*big.Int),
		resolutions: make(map[string]*big.Int),
		now:         time.Now,
	}
}

// Update fetches events past the cursor, rebuilds the reconciled view, and
// queries the fallback oracle for outstanding disputes. On any transport
// failure the previous view stays in place and a QueryError is returned.
func (c *StateClient) Update(ctx context.Context) error {
	c.mu.RLock()
	cursor := c.cursor
	c.mu.RUnlock()

	batch, next, err := c.source.Events(ctx, cursor)
	if err != nil {
		return &QueryError{Op: "events", Err: err}
	}

	merged := c.history
	if !batch.empty() {
		merged = c.history.clone()
		merged.append(batch)
		merged.Sort()
	}

	fresh := buildView(merged, c.logger)

	if err := c.attachFinalFees(ctx, fresh); err != nil {
		return err
	}
	if err := c.attachResolutions(ctx, fresh); err != nil {
		return err
	}

	c.mu.Lock()
	c.history = merged
	c.current = fresh
	c.cursor = next
	c.mu.Unlock()

	c.logger.Debug().
		Uint64("cursor", next).
		Int("tracked", len(fresh.order)).
		Msg("reconciled view replaced")
	return nil
}

// buildView replays the full event history in emission order. Events that
// violate the lifecycle invariants (a second proposal, a dispute with no
// proposal to attach to) are logged and ignored; the ledger is authoritative
// and should never emit them.
func buildView(history EventBatch, logger zerolog.Logger) *view {
	v := &view{states: make(map[string]*requestState)}

	for _, ev := range history.Requests {
		key := ev.Key()
		if _, ok := v.states[key]; ok {
			continue
		}
		v.states[key] = &requestState{request: PriceRequest{
			RequestID: ev.RequestID,
			Currency:  ev.Currency,
			Reward:    ev.Reward,
		}}
		v.order = append(v.order, key)
	}

	for _, ev := range history.Proposals {
		st, ok := v.states[ev.Key()]
		if !ok {
			logger.Warn().Stringer("request", ev.RequestID).Msg("proposal for unknown request, skipped")
			continue
		}
		if st.proposal != nil {
			logger.Warn().Stringer("request", ev.RequestID).Msg("duplicate proposal, skipped")
			continue
		}
		st.proposal = &Proposal{
			RequestID:    ev.RequestID,
			Proposer:     ev.Proposer,
			Price:        ev.Price,
			ProposalTime: ev.ProposalTime,
			Expiration:   ev.Expiration,
		}
	}

	for _, ev := range history.Disputes {
		st, ok := v.states[ev.Key()]
		if !ok || st.proposal == nil {
			logger.Warn().Stringer("request", ev.RequestID).Msg("dispute without proposal, skipped")
			continue
		}
		if st.dispute != nil {
			continue
		}
		st.dispute = &Dispute{
			RequestID:   ev.RequestID,
			Proposer:    ev.Proposer,
			Disputer:    ev.Disputer,
			DisputeTime: ev.DisputeTime,
		}
	}

	for _, ev := range history.Settlements {
		if st, ok := v.states[ev.Key()]; ok {
			st.settled = true
		}
	}

	return v
}

func (c *StateClient) attachFinalFees(ctx context.Context, v *view) error {
	for _, key := range v.order {
		st := v.states[key]
		fee, ok := c.finalFees[st.request.Currency]
		if !ok {
			fetched, err := c.fees.FinalFee(ctx, st.request.Currency)
			if err != nil {
				return &QueryError{Op: "final fee", Err: err}
			}
			c.finalFees[st.request.Currency] = fetched
			fee = fetched
		}
		st.request.FinalFee = fee
	}
	return nil
}

func (c *StateClient) attachResolutions(ctx context.Context, v *view) error {
	for _, key := range v.order {
		st := v.states[key]
		if st.dispute == nil || st.settled {
			continue
		}
		price, ok := c.resolutions[key]
		if !ok {
			fetched, resolved, err := c.voting.Resolution(ctx, st.request.RequestID)
			if err != nil {
				return &QueryError{Op: "resolution", Err: err}
			}
			if !resolved {
				continue
			}
			c.resolutions[key] = fetched
			price = fetched
		}
		st.resolution = &Resolution{RequestID: st.request.RequestID, Price: price}
	}
	return nil
}

func stageOf(st *requestState, now time.Time) Stage {
	switch {
	case st.settled:
		return StageSettled
	case st.dispute != nil && st.resolution != nil:
		return StageSettleableDispute
	case st.dispute != nil:
		return StageDisputed
	case st.proposal != nil && st.proposal.Expired(now):
		return StageSettleableProposal
	case st.proposal != nil:
		return StageProposed
	default:
		return StageUnproposed
	}
}

// snapshot returns the current view, failing if no update has succeeded yet.
func (c *StateClient) snapshot() (*view, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, ErrStaleState
	}
	return c.current, nil
}

// UnproposedRequests returns every request with no proposal, in ledger
// emission order.
func (c *StateClient) UnproposedRequests() ([]PriceRequest, error) {
	v, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []PriceRequest
	for _, key := range v.order {
		if st := v.states[key]; stageOf(st, now) == StageUnproposed {
			out = append(out, st.request)
		}
	}
	return out, nil
}

// UndisputedProposals returns proposals still inside their liveness window
// with no dispute raised.
func (c *StateClient) UndisputedProposals() ([]Proposal, error) {
	v, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []Proposal
	for _, key := range v.order {
		if st := v.states[key]; stageOf(st, now) == StageProposed {
			out = append(out, *st.proposal)
		}
	}
	return out, nil
}

// SettleableProposals returns expired, undisputed proposals whose settlement
// payout goes to account, i.e. those the account itself proposed.
func (c *StateClient) SettleableProposals(account common.Address) ([]Proposal, error) {
	v, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []Proposal
	for _, key := range v.order {
		st := v.states[key]
		if stageOf(st, now) == StageSettleableProposal && st.proposal.Proposer == account {
			out = append(out, *st.proposal)
		}
	}
	return out, nil
}

// SettleableDisputes returns disputes with a published resolution, filtered
// to those the account raised. Only the disputer has a bond to reclaim
// through this path.
func (c *StateClient) SettleableDisputes(account common.Address) ([]Dispute, error) {
	v, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []Dispute
	for _, key := range v.order {
		st := v.states[key]
		if stageOf(st, now) == StageSettleableDispute && st.dispute.Disputer == account {
			out = append(out, *st.dispute)
		}
	}
	return out, nil
}

// Summarize counts every tracked identity by lifecycle stage.
func (c *StateClient) Summarize() (Summary, error) {
	v, err := c.snapshot()
	if err != nil {
		return Summary{}, err
	}
	now := c.now()
	var s Summary
	for _, key := range v.order {
		switch stageOf(v.states[key], now) {
		case StageUnproposed:
			s.Unproposed++
		case StageProposed:
			s.Proposed++
		case StageSettleableProposal:
			s.SettleableProposals++
		case StageDisputed:
			s.Disputed++
		case StageSettleableDispute:
			s.SettleableDisputes++
		case StageSettled:
			s.Settled++
		}
	}
	return s, nil
}
