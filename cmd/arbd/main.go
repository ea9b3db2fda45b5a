package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/kh1985/funding-arb-system/internal/cli"
	"github.com/kh1985/funding-arb-system/internal/config"
	"github.com/kh1985/funding-arb-system/internal/svc"
	"github.com/kh1985/funding-arb-system/pkg/orchestrator"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable state
// divergence, 3 cycle lock held elsewhere.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDivergence = 2
	exitLock       = 3
)

var configFile = flag.String("f", "etc/arbd.yaml", "the config file")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arbd: %v\n", err)
		return exitConfig
	}
	if err := cfg.SetUp(); err != nil {
		fmt.Fprintf(os.Stderr, "arbd: %v\n", err)
		return exitConfig
	}
	defer logx.Close()

	cli.LogConfigSummary(cfg)

	sc := svc.NewServiceContext(*cfg)
	defer sc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := sc.Orchestrator()
	logx.Infof("arbd: starting cycle loop every %s", sc.StrategyConfig.CyclePeriod())

	switch err := orch.Start(ctx); {
	case err == nil:
		logx.Info("arbd: clean shutdown")
		return exitOK
	case errors.Is(err, orchestrator.ErrLockUnavailable):
		logx.Errorf("arbd: %v", err)
		return exitLock
	case errors.Is(err, orchestrator.ErrStateDivergence):
		logx.Errorf("arbd: %v", err)
		return exitDivergence
	default:
		logx.Errorf("arbd: %v", err)
		return exitConfig
	}
}
