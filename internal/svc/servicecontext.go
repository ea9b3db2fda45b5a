package svc

import (
	"context"
	"log"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"github.com/kh1985/funding-arb-system/internal/cache"
	"github.com/kh1985/funding-arb-system/internal/config"
	"github.com/kh1985/funding-arb-system/pkg/execution"
	"github.com/kh1985/funding-arb-system/pkg/funding"
	"github.com/kh1985/funding-arb-system/pkg/journal"
	"github.com/kh1985/funding-arb-system/pkg/marketdata"
	"github.com/kh1985/funding-arb-system/pkg/monitor"
	"github.com/kh1985/funding-arb-system/pkg/orchestrator"
	"github.com/kh1985/funding-arb-system/pkg/risk"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/statestore"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
	"github.com/kh1985/funding-arb-system/pkg/universe"
	"github.com/kh1985/funding-arb-system/pkg/venue"
	_ "github.com/kh1985/funding-arb-system/pkg/venue/sim" // register the paper adapter
)

type ServiceContext struct {
	Config config.Config

	StrategyConfig *strategy.Config
	VenueConfig    *venue.Config
	Venues         map[string]venue.Adapter
	DefaultVenue   string

	FundingClient *funding.Client
	MarketData    marketdata.Service
	Universe      *universe.Selector
	Signals       *signal.Service
	Risk          *risk.Evaluator
	Execution     *execution.Service

	Store    statestore.Store
	Locker   statestore.Locker
	Notifier monitor.Notifier
	Journal  *journal.Writer
	Mirror   *cache.Mirror

	closers []func()
}

func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{
		Config:         c,
		StrategyConfig: c.StrategyConfig(),
	}

	svc.buildVenues(&c)
	svc.buildMarketData(&c)
	svc.buildPipeline()
	svc.buildStateStore(&c)
	svc.buildOperational(&c)

	return svc
}

func (s *ServiceContext) buildVenues(c *config.Config) {
	venueCfg := c.Venues.Value
	if venueCfg == nil {
		// No venue file: paper-trade against two simulated venues.
		venueCfg = &venue.Config{
			Default: "sim-a",
			Adapters: map[string]*venue.AdapterConfig{
				"sim-a": {Type: "sim"},
				"sim-b": {Type: "sim"},
			},
		}
	}
	// Test environment never talks to production endpoints.
	if c.IsTestEnv() {
		for _, adapter := range venueCfg.Adapters {
			adapter.Testnet = true
		}
	}

	adapters, err := venueCfg.BuildAdapters()
	if err != nil {
		log.Fatalf("failed to build venue adapters: %v", err)
	}
	s.VenueConfig = venueCfg
	s.Venues = adapters
	s.DefaultVenue = venueCfg.Default
}

func (s *ServiceContext) buildMarketData(c *config.Config) {
	s.FundingClient = funding.NewClient(
		funding.WithBaseURL(c.Funding.BaseURL),
		funding.WithCacheTTL(time.Duration(c.Funding.CacheTTLSeconds)*time.Second),
	)

	md, err := marketdata.NewService(c.MarketData.Mode, s.FundingClient, nil, c.MarketData.DefaultOpenInterestUSD)
	if err != nil {
		log.Fatalf("failed to build market data service: %v", err)
	}
	s.MarketData = md
}

func (s *ServiceContext) buildPipeline() {
	cfg := s.StrategyConfig

	selector, err := universe.NewSelector(cfg.UniverseSize, cfg.StaticSymbols, cfg.FrDiffMin, universe.Weights{
		Spread:   cfg.WeightSpread,
		Coverage: cfg.WeightCoverage,
		AbsRate:  cfg.WeightAbsRate,
	})
	if err != nil {
		log.Fatalf("failed to build universe selector: %v", err)
	}
	s.Universe = selector

	s.Signals = signal.NewService(cfg, s.VenueConfig.FeeBps)
	s.Risk = risk.NewEvaluator(cfg)
	s.Execution = execution.NewService(s.Venues, cfg)
}

func (s *ServiceContext) buildStateStore(c *config.Config) {
	switch c.StateStore.Backend {
	case "postgres":
		store, err := statestore.NewPostgres(context.Background(), c.Postgres.DSN)
		if err != nil {
			log.Fatalf("failed to open postgres state store: %v", err)
		}
		s.Store = store
		s.Locker = store
		s.closers = append(s.closers, store.Close)
	default:
		mem := statestore.NewMemory()
		s.Store = mem
		s.Locker = mem
	}
}

func (s *ServiceContext) buildOperational(c *config.Config) {
	if c.Monitor.WebhookURL != "" {
		s.Notifier = monitor.NewWebhook(c.Monitor.WebhookURL, time.Duration(c.Monitor.TimeoutSeconds)*time.Second)
	} else {
		s.Notifier = monitor.Nop{}
	}

	s.Journal = journal.NewWriter(c.Journal.Dir)

	if c.Redis.Host != "" {
		rds := redis.MustNewRedis(c.Redis)
		s.Mirror = cache.NewMirror(rds, cache.NewTTLSet(c.TTL))
	}
}

// Orchestrator assembles the cycle driver over the built components.
func (s *ServiceContext) Orchestrator() *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Config:   s.StrategyConfig,
		Market:   s.MarketData,
		Universe: s.Universe,
		Signals:  s.Signals,
		Risk:     s.Risk,
		Exec:     s.Execution,
		Venues:   s.Venues,
		Store:    s.Store,
		Locker:   s.Locker,
		Notifier: s.Notifier,
		Journal:  s.Journal,
	}
	if s.Mirror != nil {
		deps.Mirror = s.Mirror
	}
	return orchestrator.New(deps)
}

// Close releases pooled resources (database connections).
func (s *ServiceContext) Close() {
	for _, closeFn := range s.closers {
		closeFn()
	}
}
