package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-keeper/internal/alerting"
	"price-keeper/internal/config"
	"price-keeper/internal/gas"
	"price-keeper/internal/keeper"
	"price-keeper/internal/ledger"
	"price-keeper/internal/oracle"
	"price-keeper/internal/pricefeed"
	"price-keeper/internal/scheduler"
	"price-keeper/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the wired keeper and everything that must be torn down with
// it.
type runtime struct {
	keeper *keeper.Keeper
	state  *oracle.StateClient
	close  func()
}

func (a *App) newRuntime(ctx context.Context, store *storage.Store) (*runtime, error) {
	ethCfg := a.Config.Ethereum
	if ethCfg.RPCURL == "" {
		return nil, errors.New("ethereum.rpc_url is required")
	}
	if ethCfg.OracleAddress == "" {
		return nil, errors.New("ethereum.oracle_address is required")
	}
	if a.Config.Keeper.Account == "" {
		return nil, errors.New("keeper.account is required")
	}

	rpcClient, err := rpc.DialContext(ctx, ethCfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	ethClient := ethclient.NewClient(rpcClient)

	bridge := ledger.NewBridge(ethClient, ledger.BridgeOptions{
		Oracle:  common.HexToAddress(ethCfg.OracleAddress),
		Store:   common.HexToAddress(ethCfg.StoreAddress),
		Voting:  common.HexToAddress(ethCfg.VotingAddress),
		Timeout: ethCfg.RequestTimeout,
	}, a.Logger)

	state := oracle.NewStateClient(bridge, bridge, bridge, ethCfg.GenesisBlock, a.Logger)

	feeds, err := a.newFeeds()
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	estimator := gas.NewCachingEstimator(ethClient, gas.Options{
		MaxStale: a.Config.Gas.MaxStale,
		Timeout:  a.Config.Gas.RequestTimeout,
		Fallback: gweiToWei(a.Config.Gas.FallbackGwei),
	}, a.Logger)

	account := common.HexToAddress(a.Config.Keeper.Account)
	submitter := ledger.NewSubmitter(ledger.NewNodeSender(rpcClient), account, a.Config.Keeper.SubmitTimeout, a.Logger)
	transactor := ledger.NewEthTransactor(submitter, common.HexToAddress(ethCfg.OracleAddress))

	var actions storage.ActionStore
	if store != nil {
		actions = store
	}

	kp := keeper.New(keeper.Config{
		Account:          account,
		DisputeTolerance: decimal.NewFromFloat(a.Config.Keeper.DisputeTolerance),
	}, state, feeds, estimator, transactor, actions, a.newNotifier(), a.Logger)

	return &runtime{keeper: kp, state: state, close: rpcClient.Close}, nil
}

func (a *App) newFeeds() (*pricefeed.Resolver, error) {
	feedCfg := a.Config.PriceFeeds

	defaults := pricefeed.Config{
		BaseURL:   feedCfg.APIBaseURL,
		Lookback:  feedCfg.Lookback,
		Timeout:   feedCfg.RequestTimeout,
		UserAgent: feedCfg.UserAgent,
	}

	if feedCfg.CurrentOverride != "" {
		price, err := decimal.NewFromString(feedCfg.CurrentOverride)
		if err != nil {
			return nil, fmt.Errorf("pricefeeds.current_price_override: %w", err)
		}
		defaults.CurrentOverride = &price
	}
	if feedCfg.HistoricalOverride != "" {
		price, err := decimal.NewFromString(feedCfg.HistoricalOverride)
		if err != nil {
			return nil, fmt.Errorf("pricefeeds.historical_price_override: %w", err)
		}
		defaults.HistoricalOverride = &price
	}

	if defaults.BaseURL == "" && defaults.CurrentOverride == nil {
		return nil, errors.New("pricefeeds.api_base_url is required unless price overrides are set")
	}

	return pricefeed.NewResolver(pricefeed.NewRegistry(feedCfg.Decimals), defaults, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running keeper service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; action auditing disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		unlock, err := acquireCycleLock(ctx, store, a.Config.Scheduler.AdvisoryLockKey)
		if err != nil {
			return err
		}
		defer unlock()
	}

	rt, err := a.newRuntime(ctx, store)
	if err != nil {
		return err
	}
	defer rt.close()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)

	a.Logger.Info().
		Str("account", a.Config.Keeper.Account).
		Uint64("genesis_block", a.Config.Ethereum.GenesisBlock).
		Msg("starting keeper service")

	err = sched.Run(ctx, rt.keeper.RunCycle)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("keeper stopped")
	return nil
}

// acquireCycleLock takes the session advisory lock that keeps concurrent
// keeper replicas from double-submitting in the same cycle.
func acquireCycleLock(ctx context.Context, locker storage.AdvisoryLocker, key int64) (func(), error) {
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errors.New("another keeper instance holds the advisory lock")
	}
	return unlock, nil
}

func gweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return decimal.NewFromFloat(gwei).Shift(9).Round(0).BigInt()
}

// ExportOptions hold parameters for exporting the action history.
type ExportOptions struct {
	Identifier string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
