package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/alejandrodnm/hedger/config"
	"github.com/alejandrodnm/hedger/internal/adapters/clock"
	"github.com/alejandrodnm/hedger/internal/adapters/exchange"
	"github.com/alejandrodnm/hedger/internal/adapters/feed"
	"github.com/alejandrodnm/hedger/internal/adapters/notify"
	"github.com/alejandrodnm/hedger/internal/adapters/storage"
	"github.com/alejandrodnm/hedger/internal/application/engine"
	"github.com/alejandrodnm/hedger/internal/application/lifecycle"
	"github.com/alejandrodnm/hedger/internal/application/monitor"
	"github.com/alejandrodnm/hedger/internal/ports"
	"github.com/shopspring/decimal"
)

// app is the wired process: venues, store, lifecycle manager and engine.
type app struct {
	router   *exchange.Router
	store    *storage.SQLiteStorage
	manager  *lifecycle.Manager
	engine   *engine.Engine
	notifier *notify.Console
	clock    ports.Clock
}

func build(cfg *config.Config, paper, progress bool) (*app, error) {
	if len(cfg.Exchanges) < 2 {
		return nil, fmt.Errorf("build: at least two exchanges are required, got %d", len(cfg.Exchanges))
	}

	venues, papers, err := buildVenues(cfg, paper)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	router := exchange.NewRouter(venues...)

	dsn := cfg.Storage.DSN
	if paper {
		dsn = paperDSN(dsn)
	}
	store, err := storage.NewSQLiteStorage(dsn)
	if err != nil {
		return nil, fmt.Errorf("build: open storage %q: %w", dsn, err)
	}

	clk := clock.System{}
	notifier := notify.NewConsole(progress)

	mmr := make(map[string]decimal.Decimal, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		mmr[ex.Name] = decimal.NewFromFloat(*ex.MaintenanceMarginRate)
	}
	manager := lifecycle.New(router, store, clk, notifier, lifecycle.Config{
		CallTimeout:       cfg.CallTimeout(),
		CloseRetries:      *cfg.Engine.CloseRetries,
		RetryWait:         cfg.RetryWait(),
		SafetyMargin:      decimal.NewFromFloat(cfg.Engine.SafetyMargin),
		MaintenanceMargin: mmr,
	})

	var opportunities ports.OpportunityFeed
	switch {
	case cfg.Feed.CandidatesFile != "":
		opportunities = feed.NewFileFeed(cfg.Feed.CandidatesFile)
	case len(cfg.Feed.Symbols) > 0:
		opportunities = feed.NewFundingPoller(router, feed.PollerConfig{
			Symbols:   cfg.Feed.Symbols,
			Exchanges: router.Names(),
			Interval:  cfg.FeedInterval(),
			Workers:   cfg.Feed.Workers,
		})
	default:
		slog.Warn("no feed configured, only monitoring existing pairs")
	}
	if paper && opportunities != nil {
		opportunities = newPaperFeed(opportunities, papers)
	}

	eng := engine.New(manager, router, opportunities, store, clk, engineConfig(cfg))
	return &app{
		router:   router,
		store:    store,
		manager:  manager,
		engine:   eng,
		notifier: notifier,
		clock:    clk,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close storage", "err", err)
	}
}

// buildVenues returns one REST venue per configured exchange or, in paper
// mode, a paper venue reading prices from it. The returned map holds the paper
// venues without a price source; candidates mark them.
func buildVenues(cfg *config.Config, paper bool) ([]exchange.Venue, map[string]*exchange.PaperVenue, error) {
	venues := make([]exchange.Venue, 0, len(cfg.Exchanges))
	papers := make(map[string]*exchange.PaperVenue)
	for _, ex := range cfg.Exchanges {
		var rest exchange.Venue
		if ex.BaseURL != "" {
			rc := exchange.RESTConfig{
				Name:       ex.Name,
				BaseURL:    ex.BaseURL,
				APIKey:     ex.APIKey,
				RatePerSec: ex.RatePerSec,
				Timeout:    ex.Timeout(),
			}
			if ex.PrivateKey != "" {
				signer, err := exchange.NewWalletSigner(ex.PrivateKey, ex.ChainID)
				if err != nil {
					return nil, nil, fmt.Errorf("exchange %s: %w", ex.Name, err)
				}
				rc.Signer = signer
				slog.Info("wallet auth enabled", "exchange", ex.Name, "address", signer.Address(), "chain_id", ex.ChainID)
			}
			rest = exchange.NewRESTVenue(rc)
		}
		if !paper {
			if rest == nil {
				slog.Warn("exchange without base_url skipped", "exchange", ex.Name)
				continue
			}
			venues = append(venues, rest)
			continue
		}
		pv := exchange.NewPaperVenue(ex.Name, decimal.NewFromFloat(ex.FeeRate), rest)
		if rest == nil {
			papers[ex.Name] = pv
		}
		venues = append(venues, pv)
	}
	return venues, papers, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	e := cfg.Engine
	out := engine.Config{
		NotionalPerLeg:       decimal.NewFromFloat(e.NotionalPerLeg),
		Leverage:             decimal.NewFromFloat(e.Leverage),
		ExpectedHoldingHours: e.ExpectedHoldingHours,
		TradingFeesPct:       e.TradingFeesPct,
		MaxHolding:           cfg.MaxHolding(),
		Filter: engine.FilterConfig{
			MinSpreadPerHourPct: e.MinSpreadPerHourPct,
			MinNetReturnPct:     e.MinNetReturnPct,
			MinLiquidityScore:   e.MinLiquidityScore,
			MaxOpenPairs:        e.MaxOpenPairs,
			OnePairPerSymbol:    *e.OnePairPerSymbol,
		},
		Breaker: engine.BreakerConfig{
			MaxLosses:   cfg.Breaker.MaxLosses,
			Cooldown:    cfg.BreakerCooldown(),
			MaxDrawdown: decimal.NewFromFloat(cfg.Breaker.MaxDrawdown),
		},
		Monitor: monitor.Config{
			Interval:    cfg.MonitorInterval(),
			CallTimeout: cfg.CallTimeout(),
		},
	}
	if e.TargetSpreadPct != nil {
		out.TargetSpread = decimal.NewNullDecimal(decimal.NewFromFloat(*e.TargetSpreadPct))
	}
	if e.StopLossSpreadPct != nil {
		out.StopLossSpread = decimal.NewNullDecimal(decimal.NewFromFloat(*e.StopLossSpreadPct))
	}
	return out
}

// paperDSN keeps simulated pairs apart from real ones.
func paperDSN(dsn string) string {
	if dsn == ":memory:" {
		return dsn
	}
	dir, file := filepath.Split(dsn)
	return filepath.Join(dir, "paper-"+file)
}
