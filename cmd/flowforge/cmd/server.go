package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowforge/flowforge/internal/api"
	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/compensator"
	"github.com/flowforge/flowforge/internal/engine"
	"github.com/flowforge/flowforge/internal/health"
	"github.com/flowforge/flowforge/internal/persistence"
	"github.com/flowforge/flowforge/internal/registry"
	"github.com/flowforge/flowforge/internal/shutdown"
	"github.com/flowforge/flowforge/internal/steps"
	"github.com/flowforge/flowforge/internal/store"
	"github.com/flowforge/flowforge/pkg/logging"
	"github.com/flowforge/flowforge/pkg/metrics"
)

var (
	serverHost string
	serverPort int

	storeType     string
	redisAddr     string
	redisPassword string
	redisDB       int
	sqlitePath    string
	postgresDSN   string

	busType        string
	busConcurrency int
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the orchestrator server",
		Long: `Start the FlowForge HTTP server with the workflow engine,
compensator, and the built-in order fulfillment workflow.

The state store and event bus backends are selectable: the memory
backends for development and tests, Redis/SQLite/Postgres stores and the
asynq bus for durable deployments.`,
		Example: `  flowforge server
  flowforge server --port 3000 --store sqlite --sqlite-path flowforge.db
  flowforge server --store redis --bus asynq --redis-addr localhost:6379`,
		RunE: runServer,
	}

	cmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "host to bind to")
	cmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "port to listen on")
	cmd.Flags().StringVar(&storeType, "store", "memory", "state store backend (memory|redis|sqlite|postgres)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address for the redis store and asynq bus")
	cmd.Flags().StringVar(&redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "redis database number")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "flowforge.db", "sqlite database path")
	cmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "postgres connection string")
	cmd.Flags().StringVar(&busType, "bus", "memory", "event bus backend (memory|asynq)")
	cmd.Flags().IntVar(&busConcurrency, "bus-concurrency", 10, "worker count of the asynq bus")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	logCfg := logging.ConfigFromEnv()
	if verbose {
		logCfg.Level = "debug"
	}
	logger := logging.New(logCfg)

	st, err := store.New(store.Config{
		Type:          storeType,
		RedisAddr:     redisAddr,
		RedisPassword: redisPassword,
		RedisDB:       redisDB,
		SQLitePath:    sqlitePath,
		PostgresDSN:   postgresDSN,
	})
	if err != nil {
		return fmt.Errorf("opening %s store: %w", storeType, err)
	}

	reg := registry.New()
	if err := steps.RegisterDefinition(reg); err != nil {
		return err
	}

	repo := persistence.New(st, logger)

	var b bus.Bus
	var asynqBus *bus.AsynqBus
	var memoryBus *bus.MemoryBus
	switch busType {
	case "memory":
		memoryBus = bus.NewMemoryBus(logger)
		b = memoryBus
	case "asynq":
		asynqBus = bus.NewAsynqBus(bus.AsynqConfig{
			RedisAddr:     redisAddr,
			RedisPassword: redisPassword,
			RedisDB:       redisDB,
			Concurrency:   busConcurrency,
		}, logger)
		b = asynqBus
	default:
		return fmt.Errorf("unknown bus backend %q", busType)
	}

	eng := engine.New(reg, repo, b, logger)
	eng.Register(b)

	comp := compensator.New(repo, b, logger)
	comp.Register(b)

	handlers := steps.NewHandlers(b, st, logger)
	handlers.Register(b)

	metricsReg := metrics.NewRegistry()
	metricsSub := metrics.NewSubscriber(metricsReg)
	metricsSub.Register(b)

	healthReg := health.NewRegistry(Version)
	healthReg.Register(health.NewStoreChecker(st))

	if asynqBus != nil {
		if err := asynqBus.Start(); err != nil {
			return fmt.Errorf("starting asynq bus: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", serverHost, serverPort)
	router := api.NewRouter(api.NewHandler(eng, repo, metricsSub, logger), api.RouterConfig{
		Health:  health.NewHandler(healthReg),
		Metrics: metricsReg,
	})
	server := api.NewServer(router, addr)

	mgr := shutdown.NewManager(shutdown.DefaultConfig(), logger)
	mgr.Register("http", shutdown.PriorityHTTP, server.Shutdown)
	mgr.Register("bus", shutdown.PriorityBus, func(ctx context.Context) error {
		if asynqBus != nil {
			return asynqBus.Stop()
		}
		memoryBus.Close()
		return nil
	})
	mgr.Register("store", shutdown.PriorityStore, func(ctx context.Context) error {
		return st.Close()
	})
	done := mgr.ListenForSignals()

	logger.Info("server listening",
		"addr", addr, "store", storeType, "bus", busType,
		"workflows", reg.Types())

	if err := server.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("server stopped")
	return nil
}
