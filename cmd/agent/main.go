package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/agent/core"
	"github.com/ogent/ogent/internal/agent/executor"
	"github.com/ogent/ogent/internal/common/config"
	"github.com/ogent/ogent/internal/common/logger"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Ogent agent...",
		zap.String("controller", cfg.Agent.ControllerURL))

	// 3. Create context cancelled on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Build executors
	local := executor.NewLocalExecutor(log)
	remote := executor.NewSSHExecutor(cfg.Agent.Remote, log)
	if remote != nil {
		defer remote.Close()
		if err := remote.Test(ctx); err != nil {
			log.Warn("Remote execution target unreachable at startup",
				zap.String("host", cfg.Agent.Remote.Host),
				zap.Error(err))
		} else {
			log.Info("Remote execution target verified",
				zap.String("host", cfg.Agent.Remote.Host))
		}
	}

	var selector *executor.Selector
	if remote != nil {
		selector = executor.NewSelector(local, remote)
	} else {
		selector = executor.NewSelector(local, nil)
	}

	// 5. Run the agent until shutdown or reconnect exhaustion
	agent := core.New(cfg.Agent, selector, log)
	if err := agent.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Agent stopped")
			return
		}
		if errors.Is(err, core.ErrReconnectExhausted) {
			log.Error("Controller unreachable, giving up", zap.Error(err))
			os.Exit(1)
		}
		log.Error("Agent exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Agent stopped")
}
