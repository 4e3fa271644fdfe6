// Content store server and tooling
// Provides remote access to a hierarchical, typed, versioned content repository
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/contentstore/internal/config"
	"github.com/nainya/contentstore/internal/graphsync"
	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/internal/server"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/repository"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/storage/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "contentstore",
	Short:         "Hierarchical, typed, versioned content repository",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC and observability servers",
	RunE:  runServe,
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "Node type definition commands",
}

var typesCheckCmd = &cobra.Command{
	Use:   "check <file-or-dir>...",
	Short: "Validate node type definition files without starting a repository",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTypesCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "contentstore %s\n", server.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML)")
	typesCmd.AddCommand(typesCheckCmd)
	rootCmd.AddCommand(serveCmd, typesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	if cfg.Backend == config.BackendMemory {
		return storage.NewMemory(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return sqlite.Open(filepath.Join(cfg.DataDir, "contentstore.db"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.InitGlobalLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log := logger.GetGlobalLogger()
	m := metrics.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.LogServerStart(cfg.GrpcPort, cfg.Backend)
	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	repo, err := repository.Open(ctx, repository.Config{
		Backend:    backend,
		Workspaces: cfg.Workspaces,
		JournalDir: cfg.JournalDir,
		TypeFiles:  cfg.NodeTypeDirs,
		Logger:     log,
		Metrics:    m,
	})
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer repo.Close()

	if cfg.WatchNodeTypes {
		for _, dir := range cfg.NodeTypeDirs {
			go func(dir string) {
				if err := repo.WatchTypes(ctx, dir); err != nil {
					log.Error("node type watcher stopped").Str("dir", dir).Err(err).Send()
				}
			}(dir)
		}
	}

	if cfg.Neo4j != nil {
		runner, err := graphsync.NewDriverRunner(ctx, graphsync.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		if err != nil {
			return err
		}
		defer runner.Close(context.Background())
		if err := runner.EnsureSchema(ctx); err != nil {
			return err
		}
		mirror := graphsync.NewMirror(runner, log, 0)
		repo.Observation().AddListener(mirror, mirror.Filter())
		log.Info("graph mirror enabled").Str("uri", cfg.Neo4j.URI).Send()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100 MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100 MB
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterContentStoreServer(grpcServer, server.NewServer(repo, log))
	// reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	var obs *server.ObservabilityServer
	if cfg.ObservabilityPort != 0 {
		obs = server.NewObservabilityServer(cfg.ObservabilityPort, repo, log, server.ObservabilityOptions{})
		go func() {
			if err := obs.Start(); err != nil {
				log.Error("observability server stopped").Err(err).Send()
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()
	log.LogServerReady(cfg.GrpcPort)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.LogServerShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability shutdown").Err(err).Send()
		}
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return nil
}

func runTypesCheck(cmd *cobra.Command, args []string) error {
	var defs []nodetype.Definition
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		var loaded []nodetype.Definition
		if info.IsDir() {
			loaded, err = nodetype.LoadDir(path)
		} else {
			loaded, err = nodetype.LoadFile(path)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, loaded...)
	}

	start := time.Now()
	types, err := nodetype.NewRegistry().RegisterAll(defs, false)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range types {
		kind := "primary"
		if t.IsMixin() {
			kind = "mixin"
		}
		fmt.Fprintf(out, "%-40s %s\n", t.Name(), kind)
	}
	fmt.Fprintf(out, "%d node types valid (%s)\n", len(types), time.Since(start).Round(time.Microsecond))
	return nil
}
