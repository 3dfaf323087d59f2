package keeper

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"price-keeper/internal/alerting"
	"price-keeper/internal/gas"
	"price-keeper/internal/ledger"
	"price-keeper/internal/oracle"
	"price-keeper/internal/pricefeed"
	"price-keeper/internal/storage"
)

// Config is the keeper's static per-process configuration.
type Config struct {
	// Account is the operator identity submissions are made from and
	// settlements are filtered to.
	Account common.Address
	// DisputeTolerance is the maximum relative deviation between a proposed
	// price and the keeper's own feed before a dispute is raised.
	DisputeTolerance decimal.Decimal
}

// StateReader is the reconciled chain view the keeper classifies from.
type StateReader interface {
	Update(ctx context.Context) error
	UnproposedRequests() ([]oracle.PriceRequest, error)
	UndisputedProposals() ([]oracle.Proposal, error)
	SettleableProposals(account common.Address) ([]oracle.Proposal, error)
	SettleableDisputes(account common.Address) ([]oracle.Dispute, error)
}

// FeedResolver hands out the price feed for an identifier.
type FeedResolver interface {
	Resolve(identifier string) (pricefeed.Feed, error)
}

// Keeper drives the update, classify, and act cycle. It holds no mutable
// state of its own between cycles; the reconciled view lives in the
// StateReader.
type Keeper struct {
	cfg      Config
	state    StateReader
	feeds    FeedResolver
	gas      gas.Estimator
	tx       ledger.Transactor
	store    storage.ActionStore
	notifier alerting.Notifier
	logger   zerolog.Logger
}

// New constructs a keeper. store and notifier may be nil, disabling action
// auditing and operator notifications respectively.
func New(cfg Config, state StateReader, feeds FeedResolver, estimator gas.Estimator, tx ledger.Transactor, store storage.ActionStore, notifier alerting.Notifier, logger zerolog.Logger) *Keeper {
	return &Keeper{
		cfg:      cfg,
		state:    state,
		feeds:    feeds,
		gas:      estimator,
		tx:       tx,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "keeper").Logger(),
	}
}

// Update refreshes the reconciled chain view. Classification and the send
// methods must not run before this has succeeded at least once.
func (k *Keeper) Update(ctx context.Context) error {
	return k.state.Update(ctx)
}

// RunCycle executes one full keeper cycle: refresh the view, then run the
// three action pipelines concurrently against the frozen view.
func (k *Keeper) RunCycle(ctx context.Context) error {
	if err := k.Update(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.SendProposals(gctx) })
	g.Go(func() error { return k.SendDisputes(gctx) })
	g.Go(func() error { return k.SendSettlements(gctx) })
	return g.Wait()
}

// SendProposals submits a price proposal for every unproposed request. A
// failing item is logged and skipped; it never blocks its siblings.
func (k *Keeper) SendProposals(ctx context.Context) error {
	requests, err := k.state.UnproposedRequests()
	if err != nil {
		return err
	}

	for _, request := range requests {
		k.proposeOne(ctx, request)
	}
	return nil
}

func (k *Keeper) proposeOne(ctx context.Context, request oracle.PriceRequest) {
	logger := k.itemLogger(request.RequestID)

	feed, err := k.feeds.Resolve(request.Identifier)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot resolve price feed, request skipped")
		return
	}

	price, err := feed.PriceAt(ctx, request.Timestamp)
	if err != nil {
		logger.Warn().Err(err).Msg("price lookup failed, request skipped")
		return
	}

	gasPrice, err := k.gas.CurrentPrice(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("gas estimation failed, request skipped")
		return
	}

	fixed := pricefeed.ToFixedPoint(price, feed.Decimals())
	hash, err := k.tx.Propose(ctx, request.RequestID, fixed, gasPrice)
	k.record(ctx, storage.ActionPropose, request.RequestID, &price, hash, err)
	if err != nil {
		logger.Warn().Err(err).Str("price", price.String()).Msg("proposal submission failed")
		return
	}

	logger.Info().
		Str("price", price.String()).
		Str("tx", hash.Hex()).
		Msg("proposal submitted")
}

// SendDisputes re-prices every live proposal against the keeper's own feed
// and disputes those deviating beyond the configured tolerance.
func (k *Keeper) SendDisputes(ctx context.Context) error {
	proposals, err := k.state.UndisputedProposals()
	if err != nil {
		return err
	}

	for _, proposal := range proposals {
		k.disputeOne(ctx, proposal)
	}
	return nil
}

func (k *Keeper) disputeOne(ctx context.Context, proposal oracle.Proposal) {
	logger := k.itemLogger(proposal.RequestID)

	feed, err := k.feeds.Resolve(proposal.Identifier)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot resolve price feed, proposal not checked")
		return
	}

	feedPrice, err := feed.PriceAt(ctx, proposal.Timestamp)
	if err != nil {
		logger.Warn().Err(err).Msg("price lookup failed, proposal not checked")
		return
	}

	proposedPrice := pricefeed.FromFixedPoint(proposal.Price, feed.Decimals())
	if !k.priceDisagrees(feedPrice, proposedPrice) {
		return
	}

	gasPrice, err := k.gas.CurrentPrice(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("gas estimation failed, dispute skipped")
		return
	}

	hash, err := k.tx.Dispute(ctx, proposal.RequestID, gasPrice)
	k.record(ctx, storage.ActionDispute, proposal.RequestID, &feedPrice, hash, err)
	if err != nil {
		logger.Warn().Err(err).
			Str("proposed", proposedPrice.String()).
			Str("own", feedPrice.String()).
			Msg("dispute submission failed")
		return
	}

	logger.Info().
		Str("proposed", proposedPrice.String()).
		Str("own", feedPrice.String()).
		Str("tx", hash.Hex()).
		Msg("dispute submitted")

	if k.notifier != nil {
		note := alerting.Notification{
			Action:        storage.ActionDispute,
			Requester:     proposal.Requester.Hex(),
			Identifier:    proposal.Identifier,
			Timestamp:     proposal.Timestamp,
			ProposedPrice: proposedPrice,
			FeedPrice:     feedPrice,
			TxHash:        hash.Hex(),
		}
		if err := k.notifier.Notify(ctx, note); err != nil {
			logger.Error().Err(err).Msg("failed to notify operator of dispute")
		}
	}
}

// priceDisagrees reports whether the proposed price deviates from the
// keeper's own beyond tolerance. With a zero reference the deviation is
// compared absolutely.
func (k *Keeper) priceDisagrees(feedPrice, proposedPrice decimal.Decimal) bool {
	diff := proposedPrice.Sub(feedPrice).Abs()
	if feedPrice.IsZero() {
		return diff.GreaterThan(k.cfg.DisputeTolerance)
	}
	return diff.Div(feedPrice.Abs()).GreaterThan(k.cfg.DisputeTolerance)
}

// SendSettlements settles every expired proposal and resolved dispute the
// operator account has a payout in. The ledger rejecting an already-settled
// item is expected and non-fatal.
func (k *Keeper) SendSettlements(ctx context.Context) error {
	proposals, err := k.state.SettleableProposals(k.cfg.Account)
	if err != nil {
		return err
	}
	disputes, err := k.state.SettleableDisputes(k.cfg.Account)
	if err != nil {
		return err
	}

	for _, proposal := range proposals {
		k.settleOne(ctx, proposal.RequestID)
	}
	for _, dispute := range disputes {
		k.settleOne(ctx, dispute.RequestID)
	}
	return nil
}

func (k *Keeper) settleOne(ctx context.Context, id oracle.RequestID) {
	logger := k.itemLogger(id)

	gasPrice, err := k.gas.CurrentPrice(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("gas estimation failed, settlement skipped")
		return
	}

	hash, err := k.tx.Settle(ctx, id, gasPrice)
	k.record(ctx, storage.ActionSettle, id, nil, hash, err)
	if err != nil {
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) {
			logger.Debug().Str("reason", rejected.Reason).Msg("settlement rejected by ledger")
		} else {
			logger.Warn().Err(err).Msg("settlement submission failed")
		}
		return
	}

	logger.Info().Str("tx", hash.Hex()).Msg("settlement submitted")
}

func (k *Keeper) itemLogger(id oracle.RequestID) zerolog.Logger {
	return k.logger.With().
		Str("requester", id.Requester.Hex()).
		Str("identifier", id.Identifier).
		Uint64("timestamp", id.Timestamp).
		Logger()
}

func (k *Keeper) record(ctx context.Context, kind string, id oracle.RequestID, price *decimal.Decimal, hash common.Hash, submitErr error) {
	if k.store == nil {
		return
	}

	action := storage.ActionRecord{
		Kind:          kind,
		Requester:     id.Requester.Hex(),
		Identifier:    id.Identifier,
		RequestTime:   int64(id.Timestamp),
		AncillaryData: common.Bytes2Hex(id.AncillaryData),
		Price:         price,
		Status:        storage.StatusSubmitted,
	}
	if submitErr != nil {
		msg := submitErr.Error()
		action.Error = &msg
		action.Status = storage.StatusFailed
		var rejected *ledger.RejectedError
		if errors.As(submitErr, &rejected) {
			action.Status = storage.StatusRejected
		}
	} else {
		hex := hash.Hex()
		action.TxHash = &hex
	}

	if _, err := k.store.InsertAction(ctx, action); err != nil {
		k.logger.Error().Err(err).Str("kind", kind).Msg("failed to persist action record")
	}
}

var _ StateReader = (*oracle.StateClient)(nil)
