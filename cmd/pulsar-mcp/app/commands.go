// Package app wires the pulsar-mcp CLI: cobra subcommands for indexing the
// configured MCP servers and for serving the semantic_router tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/contentstore"
	"github.com/milkymap/pulsar-mcp/pkg/indexer"
	"github.com/milkymap/pulsar-mcp/pkg/llm"
	"github.com/milkymap/pulsar-mcp/pkg/logging"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
	"github.com/milkymap/pulsar-mcp/pkg/resultprocessor"
	"github.com/milkymap/pulsar-mcp/pkg/router"
	"github.com/milkymap/pulsar-mcp/pkg/supervisor"
	"github.com/milkymap/pulsar-mcp/pkg/taskpool"
	"github.com/milkymap/pulsar-mcp/pkg/vectorindex"
)

// Exit codes per the external interface contract: 0 success, 2 config
// error, 3 indexing partial failure, 4 transport error, 1 generic.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitConfig         = 2
	exitIndexingFailed = 3
	exitTransport      = 4
)

// Run builds and executes the root command, returning the process exit code.
func Run(ctx context.Context) int {
	cmd := NewRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		return exitCodeFor(err)
	}
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrConfig):
		return exitConfig
	case errors.Is(err, errIndexingPartialFailure):
		return exitIndexingFailed
	case errors.Is(err, errTransport):
		return exitTransport
	default:
		return exitGeneric
	}
}

var (
	errIndexingPartialFailure = errors.New("indexing completed with per-server errors")
	errTransport              = errors.New("transport error")
)

// NewRootCmd builds the pulsar-mcp cobra command tree.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:               "pulsar-mcp",
		DisableAutoGenTag: true,
		Short:             "Semantic router and lifecycle manager for MCP tool servers",
		Long: `pulsar-mcp indexes the tools exposed by a set of upstream MCP servers into a
vector index, then exposes them behind a single semantic_router tool that
searches, starts, calls, and tears down those servers on demand.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			logging.Initialize(logging.Options{Debug: debug})
			return nil
		},
	}

	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().StringP("config", "c", "", "path to the servers-config JSON file")

	root.AddCommand(newIndexCmd(v))
	root.AddCommand(newServeCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logging.Infof("pulsar-mcp version: %s", version())
		},
	}
}

func version() string {
	return "dev"
}

func loadSettingsAndServers(v *viper.Viper, cmd *cobra.Command) (*config.Settings, []config.ServerConfig, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return nil, nil, fmt.Errorf("no servers-config file specified, use --config: %w", pkgerrors.ErrConfig)
	}

	settings, err := config.NewSettingsFromViper(v)
	if err != nil {
		return nil, nil, err
	}

	servers, err := config.LoadServers(configPath)
	if err != nil {
		return nil, nil, err
	}
	return settings, servers, nil
}

func buildLLM(settings *config.Settings) (llm.Embedder, llm.Describer, llm.Vision) {
	embedder := llm.NewOpenAIEmbedder(settings.OpenAIAPIKey, settings.EmbeddingModelName, settings.Dimensions)
	describer := llm.NewOpenAIDescriber(settings.OpenAIAPIKey, settings.DescriptorModelName)
	vision := llm.NewOpenAIVision(settings.OpenAIAPIKey, settings.VisionModelName)
	return embedder, describer, vision
}

func buildVectorStore(settings *config.Settings) (vectorindex.Store, error) {
	if settings.QdrantURL == "" {
		// go-client only dials a remote gRPC endpoint; it has no local/embedded
		// mode, so QDRANT_STORAGE_PATH alone cannot back a real Store. Failing
		// here (instead of substituting an in-memory store) keeps `index` from
		// silently discarding its work the moment the process exits.
		return nil, fmt.Errorf("QDRANT_STORAGE_PATH alone is not sufficient: this build requires QDRANT_URL to reach a running Qdrant instance: %w", pkgerrors.ErrConfig)
	}
	store, err := vectorindex.NewQdrantStore(settings.QdrantURL, settings.IndexName)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newIndexCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "index every non-ignored server's tools into the vector store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			settings, servers, err := loadSettingsAndServers(v, cmd)
			if err != nil {
				return err
			}

			store, err := buildVectorStore(settings)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // best-effort on process exit

			embedder, describer, _ := buildLLM(settings)

			sup := supervisor.New(servers, supervisor.Options{})
			ix := indexer.New(sup, store, embedder, describer)

			opts := indexer.DefaultOptions()
			opts.ServerConcurrency = orDefault(settings.ServerIndexRateLimit, opts.ServerConcurrency)
			opts.ToolConcurrency = orDefault(settings.ServerToolIndexRateLimit, opts.ToolConcurrency)
			if settings.ServerEmbeddingWeight > 0 {
				opts.EmbeddingWeight = settings.ServerEmbeddingWeight
			}

			logging.Infof("indexing %d server(s)", len(servers))
			if err := ix.Index(ctx, servers, opts); err != nil {
				logging.Errorw("indexing completed with errors", "error", err)
				return fmt.Errorf("%w: %w", err, errIndexingPartialFailure)
			}
			logging.Infof("indexing complete")
			return nil
		},
	}
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the semantic_router tool over stdio or HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			settings, servers, err := loadSettingsAndServers(v, cmd)
			if err != nil {
				return err
			}

			transport, _ := cmd.Flags().GetString("transport")
			if transport == "" {
				transport = settings.Transport
			}
			host, _ := cmd.Flags().GetString("host")
			if host == "" {
				host = settings.Host
			}
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = settings.Port
			}

			store, err := buildVectorStore(settings)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // best-effort on process exit

			embedder, _, vision := buildLLM(settings)

			content, err := contentstore.New(settings.ContentStoragePath, settings.MaxResultTokens)
			if err != nil {
				return err
			}

			sup := supervisor.New(servers, supervisor.Options{
				IdleTTL:       secondsToDuration(settings.IdleTTLSeconds),
				SweepInterval: secondsToDuration(settings.SweepIntervalSeconds),
				ShutdownGrace: secondsToDuration(settings.ShutdownGraceSeconds),
			})
			sup.StartSweeper()
			defer sup.StopSweeper()

			processor := resultprocessor.New(content, vision, settings.DescribeImages)
			pool := taskpool.New(sup, processor, settings.TaskPoolWorkers, settings.TaskQueueCapacity)
			defer pool.Shutdown()

			rtr := router.New(store, embedder, sup, sup, servers, pool, processor, content)
			mcpServer := router.NewMCPServer(rtr, servers, version())

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), secondsToDuration(settings.ShutdownGraceSeconds))
				defer cancel()
				if err := sup.ShutdownAll(shutdownCtx); err != nil {
					logging.Warnw("error shutting down running servers", "error", err)
				}
			}()

			switch transport {
			case "http":
				addr := fmt.Sprintf("%s:%d", host, port)
				logging.Infof("serving semantic_router over HTTP at %s/mcp", addr)
				if err := mcpServer.ServeHTTP(ctx, addr); err != nil {
					return fmt.Errorf("%w: %w", err, errTransport)
				}
			case "stdio", "":
				logging.Infof("serving semantic_router over stdio")
				if err := mcpServer.ServeStdio(ctx); err != nil {
					return fmt.Errorf("%w: %w", err, errTransport)
				}
			default:
				return fmt.Errorf("unknown transport %q, want stdio or http: %w", transport, pkgerrors.ErrConfig)
			}
			return nil
		},
	}

	cmd.Flags().String("transport", "", "stdio or http (default from settings)")
	cmd.Flags().String("host", "", "HTTP bind host (default from settings)")
	cmd.Flags().Int("port", 0, "HTTP bind port (default from settings)")
	return cmd
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
