package keeper

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-keeper/internal/gas"
	"price-keeper/internal/ledger"
	"price-keeper/internal/oracle"
	"price-keeper/internal/pricefeed"
)

var (
	requester = common.HexToAddress("0x1111111111111111111111111111111111111111")
	operator  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	rival     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeState struct {
	err         error
	requests    []oracle.PriceRequest
	proposals   []oracle.Proposal
	settleable  []oracle.Proposal
	disputes    []oracle.Dispute
	updateCalls int
}

func (s *fakeState) Update(ctx context.Context) error {
	s.updateCalls++
	return s.err
}

func (s *fakeState) UnproposedRequests() ([]oracle.PriceRequest, error) {
	return s.requests, s.err
}

func (s *fakeState) UndisputedProposals() ([]oracle.Proposal, error) {
	return s.proposals, s.err
}

func (s *fakeState) SettleableProposals(account common.Address) ([]oracle.Proposal, error) {
	var out []oracle.Proposal
	for _, p := range s.settleable {
		if p.Proposer == account {
			out = append(out, p)
		}
	}
	return out, s.err
}

func (s *fakeState) SettleableDisputes(account common.Address) ([]oracle.Dispute, error) {
	var out []oracle.Dispute
	for _, d := range s.disputes {
		if d.Disputer == account {
			out = append(out, d)
		}
	}
	return out, s.err
}

type fakeResolver struct {
	feeds map[string]pricefeed.Feed
}

func (r *fakeResolver) Resolve(identifier string) (pricefeed.Feed, error) {
	feed, ok := r.feeds[identifier]
	if !ok {
		return nil, pricefeed.ErrUnresolvableIdentifier
	}
	return feed, nil
}

type txCall struct {
	kind  string
	id    oracle.RequestID
	price *big.Int
}

type fakeTransactor struct {
	mu    sync.Mutex
	calls []txCall
	fail  map[string]error
}

func (t *fakeTransactor) submit(kind string, id oracle.RequestID, price *big.Int) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, txCall{kind: kind, id: id, price: price})
	if err, ok := t.fail[kind+"/"+id.Identifier]; ok {
		return common.Hash{}, err
	}
	return common.HexToHash("0x01"), nil
}

func (t *fakeTransactor) Propose(ctx context.Context, id oracle.RequestID, price, gasPrice *big.Int) (common.Hash, error) {
	return t.submit("propose", id, price)
}

func (t *fakeTransactor) Dispute(ctx context.Context, id oracle.RequestID, gasPrice *big.Int) (common.Hash, error) {
	return t.submit("dispute", id, nil)
}

func (t *fakeTransactor) Settle(ctx context.Context, id oracle.RequestID, gasPrice *big.Int) (common.Hash, error) {
	return t.submit("settle", id, nil)
}

func (t *fakeTransactor) byKind(kind string) []txCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []txCall
	for _, c := range t.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func staticFeed(price string, decimals int32) pricefeed.Feed {
	value := decimal.RequireFromString(price)
	return pricefeed.NewStaticFeed(&value, &value, decimals)
}

func request(identifier string) oracle.PriceRequest {
	return oracle.PriceRequest{RequestID: oracle.RequestID{
		Requester:  requester,
		Identifier: identifier,
		Timestamp:  900,
	}}
}

func newKeeper(state StateReader, resolver FeedResolver, tx ledger.Transactor, tolerance string) *Keeper {
	cfg := Config{Account: operator, DisputeTolerance: decimal.RequireFromString(tolerance)}
	return New(cfg, state, resolver, gas.Static{Price: big.NewInt(1)}, tx, nil, nil, noopLogger())
}

func TestSendProposalsPerItemIsolation(t *testing.T) {
	state := &fakeState{requests: []oracle.PriceRequest{
		request("BTC-USD"),
		request("UNKNOWN"), // no feed registered
		request("ETH-USD"),
	}}
	resolver := &fakeResolver{feeds: map[string]pricefeed.Feed{
		"BTC-USD": staticFeed("42000", 8),
		"ETH-USD": staticFeed("3000", 18),
	}}
	tx := &fakeTransactor{}
	k := newKeeper(state, resolver, tx, "0.05")

	if err := k.SendProposals(context.Background()); err != nil {
		t.Fatalf("send proposals failed: %v", err)
	}

	proposals := tx.byKind("propose")
	if len(proposals) != 2 {
		t.Fatalf("expected the 2 resolvable requests to be proposed, got %d", len(proposals))
	}
	if proposals[0].id.Identifier != "BTC-USD" || proposals[1].id.Identifier != "ETH-USD" {
		t.Fatalf("wrong items proposed: %+v", proposals)
	}
}

func TestSendProposalsSubmissionFailureIsolated(t *testing.T) {
	state := &fakeState{requests: []oracle.PriceRequest{
		request("BTC-USD"),
		request("ETH-USD"),
		request("EUR-USD"),
	}}
	resolver := &fakeResolver{feeds: map[string]pricefeed.Feed{
		"BTC-USD": staticFeed("42000", 8),
		"ETH-USD": staticFeed("3000", 18),
		"EUR-USD": staticFeed("1.08", 6),
	}}
	tx := &fakeTransactor{fail: map[string]error{
		"propose/ETH-USD": &ledger.RejectedError{Reason: "bond transfer failed"},
	}}
	k := newKeeper(state, resolver, tx, "0.05")

	if err := k.SendProposals(context.Background()); err != nil {
		t.Fatalf("one rejected item must not abort the batch: %v", err)
	}

	proposals := tx.byKind("propose")
	if len(proposals) != 3 {
		t.Fatalf("all items must be attempted, got %d", len(proposals))
	}
}

func TestSendProposalsUsesFeedScale(t *testing.T) {
	state := &fakeState{requests: []oracle.PriceRequest{request("BTC-USD")}}
	resolver := &fakeResolver{feeds: map[string]pricefeed.Feed{
		"BTC-USD": staticFeed("42000.123456789", 8),
	}}
	tx := &fakeTransactor{}
	k := newKeeper(state, resolver, tx, "0.05")

	if err := k.SendProposals(context.Background()); err != nil {
		t.Fatalf("send proposals failed: %v", err)
	}

	proposals := tx.byKind("propose")
	if len(proposals) != 1 {
		t.Fatalf("expected one proposal, got %d", len(proposals))
	}

	// 42000.123456789 rounded to 8 decimals, scaled by 1e8.
	want := big.NewInt(4200012345679)
	if proposals[0].price.Cmp(want) != 0 {
		t.Fatalf("submitted price not at the identifier's scale: got %s want %s", proposals[0].price, want)
	}

	back := pricefeed.FromFixedPoint(proposals[0].price, 8)
	scaled, err := resolver.feeds["BTC-USD"].PriceAt(context.Background(), 900)
	if err != nil {
		t.Fatalf("price lookup failed: %v", err)
	}
	if !back.Equal(scaled) {
		t.Fatalf("read-back price does not scale-match the feed: %s vs %s", back, scaled)
	}
}

func TestSendDisputesRespectsTolerance(t *testing.T) {
	mkProposal := func(identifier string, fixedPrice int64) oracle.Proposal {
		return oracle.Proposal{
			RequestID: oracle.RequestID{Requester: requester, Identifier: identifier, Timestamp: 900},
			Proposer:  rival,
			Price:     big.NewInt(fixedPrice),
		}
	}
	state := &fakeState{proposals: []oracle.Proposal{
		mkProposal("BTC-USD", 102_000000), // own feed 100 at 6 decimals: +2%, inside tolerance
		mkProposal("ETH-USD", 120_000000), // +20%, beyond tolerance
	}}
	resolver := &fakeResolver{feeds: map[string]pricefeed.Feed{
		"BTC-USD": staticFeed("100", 6),
		"ETH-USD": staticFeed("100", 6),
	}}
	tx := &fakeTransactor{}
	k := newKeeper(state, resolver, tx, "0.05")

	if err := k.SendDisputes(context.Background()); err != nil {
		t.Fatalf("send disputes failed: %v", err)
	}

	disputes := tx.byKind("dispute")
	if len(disputes) != 1 {
		t.Fatalf("expected exactly one dispute, got %d", len(disputes))
	}
	if disputes[0].id.Identifier != "ETH-USD" {
		t.Fatalf("disputed the wrong proposal: %+v", disputes[0])
	}
}

func TestSendSettlementsCoversBothSides(t *testing.T) {
	state := &fakeState{
		settleable: []oracle.Proposal{
			{RequestID: oracle.RequestID{Requester: requester, Identifier: "BTC-USD", Timestamp: 900}, Proposer: operator},
			{RequestID: oracle.RequestID{Requester: requester, Identifier: "EUR-USD", Timestamp: 900}, Proposer: rival},
		},
		disputes: []oracle.Dispute{
			{RequestID: oracle.RequestID{Requester: requester, Identifier: "ETH-USD", Timestamp: 900}, Disputer: operator},
		},
	}
	tx := &fakeTransactor{}
	k := newKeeper(state, &fakeResolver{}, tx, "0.05")

	if err := k.SendSettlements(context.Background()); err != nil {
		t.Fatalf("send settlements failed: %v", err)
	}

	settles := tx.byKind("settle")
	if len(settles) != 2 {
		t.Fatalf("expected settlements for the operator's proposal and dispute, got %d", len(settles))
	}
	got := map[string]bool{}
	for _, c := range settles {
		got[c.id.Identifier] = true
	}
	if !got["BTC-USD"] || !got["ETH-USD"] {
		t.Fatalf("settled the wrong items: %v", got)
	}
}

func TestSendSettlementsTreatsRejectionAsNonFatal(t *testing.T) {
	state := &fakeState{
		settleable: []oracle.Proposal{
			{RequestID: oracle.RequestID{Requester: requester, Identifier: "BTC-USD", Timestamp: 900}, Proposer: operator},
			{RequestID: oracle.RequestID{Requester: requester, Identifier: "ETH-USD", Timestamp: 900}, Proposer: operator},
		},
	}
	tx := &fakeTransactor{fail: map[string]error{
		"settle/BTC-USD": &ledger.RejectedError{Reason: "already settled"},
	}}
	k := newKeeper(state, &fakeResolver{}, tx, "0.05")

	if err := k.SendSettlements(context.Background()); err != nil {
		t.Fatalf("an already-settled item must not abort the batch: %v", err)
	}
	if settles := tx.byKind("settle"); len(settles) != 2 {
		t.Fatalf("all settleable items must be attempted, got %d", len(settles))
	}
}

func TestRunCyclePropagatesUpdateFailure(t *testing.T) {
	state := &fakeState{err: errors.New("rpc down")}
	tx := &fakeTransactor{}
	k := newKeeper(state, &fakeResolver{}, tx, "0.05")

	if err := k.RunCycle(context.Background()); err == nil {
		t.Fatal("a failed update must abort the cycle")
	}
	if len(tx.calls) != 0 {
		t.Fatalf("no actions may run after a failed update, got %d", len(tx.calls))
	}
}

func TestSendMethodsPropagateStaleState(t *testing.T) {
	client := oracle.NewStateClient(nil, nil, nil, 0, noopLogger())
	tx := &fakeTransactor{}
	k := newKeeper(client, &fakeResolver{}, tx, "0.05")

	if err := k.SendProposals(context.Background()); !errors.Is(err, oracle.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if err := k.SendDisputes(context.Background()); !errors.Is(err, oracle.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if err := k.SendSettlements(context.Background()); !errors.Is(err, oracle.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
}
