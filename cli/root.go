// Package cli provides the command-line interface for the kairos server.
// It wires together the key-value store, vector store, embedding client,
// proof-of-work engine, navigation engine, and both wire surfaces (the
// JSON-RPC MCP tool-call server and its REST mirror) behind a single
// cobra command, configured the eve way: viper-bound flags layered over
// environment variables read by kairos.run/config.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kairos.run/cache"
	"kairos.run/chainstore"
	"kairos.run/common"
	"kairos.run/config"
	"kairos.run/embedding"
	kairoshttp "kairos.run/http"
	"kairos.run/httpapi"
	"kairos.run/kairosapi"
	"kairos.run/kvstore"
	"kairos.run/mcpserver"
	"kairos.run/metrics"
	"kairos.run/navigate"
	"kairos.run/pow"
	"kairos.run/search"
	"kairos.run/security"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
	"kairos.run/version"
)

var cfgFile string

// RootCmd is the kairos server's entry point.
var RootCmd = &cobra.Command{
	Use:   "kairos",
	Short: "a proof-of-work protocol server for sequential AI agent memory chains",
	Long: `Kairos

Serves Markdown-defined memory chains to AI coding agents one step at a
time, gated by a proof-of-work challenge per step, so an agent can only
advance by actually doing the work a step demands.

The server exposes the same eight operations (mint, begin, next, attest,
update, delete, dump, search) over a JSON-RPC "tools/call" surface for MCP
clients and a REST mirror for everything else.

Configuration is read from STORE_URL, KV_URL, EMBEDDING_* and AUTH_* style
environment variables (see kairos.run/config), optionally overridden by
--config, --port and the other persistent flags below.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.kairos.yaml)")
	RootCmd.PersistentFlags().String("port", "", "HTTP server port")
	RootCmd.PersistentFlags().String("store-url", "", "vector store (qdrant) URL")
	RootCmd.PersistentFlags().String("kv-url", "", "key-value store (redis) URL, empty selects the in-memory store")
	RootCmd.PersistentFlags().Bool("auth-enabled", false, "require OIDC bearer tokens on write operations")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("store_url", RootCmd.PersistentFlags().Lookup("store-url"))
	viper.BindPFlag("kv_url", RootCmd.PersistentFlags().Lookup("kv-url"))
	viper.BindPFlag("auth_enabled", RootCmd.PersistentFlags().Lookup("auth-enabled"))

	RootCmd.AddCommand(statsCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kairos")
	}

	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	// Flag/config-file overrides win over bare environment variables, the
	// way LoadKairosConfig's env.GetString reads them, by re-exporting into
	// the process environment before it loads.
	for _, key := range []string{"port", "store_url", "kv_url"} {
		if v := viper.GetString(key); v != "" {
			_ = os.Setenv(envName(key), v)
		}
	}
	if viper.GetBool("auth_enabled") {
		_ = os.Setenv("AUTH_ENABLED", "true")
	}
}

func envName(viperKey string) string {
	switch viperKey {
	case "port":
		return "KAIROS_PORT"
	case "store_url":
		return "STORE_URL"
	case "kv_url":
		return "KV_URL"
	default:
		return viperKey
	}
}

type components struct {
	cfg      *config.KairosConfig
	log      *logrus.Logger
	kv       kvstore.Store
	vector   *vectorstore.Gateway
	embedder embedding.Client
	cacheL   *cache.Layer
	resolver *tenant.Resolver
	issuers  *security.TrustedIssuers
	pow      *pow.Engine
	chain    *chainstore.Store
	nav      *navigate.Engine
	metrics  *metrics.Registry
	api      *kairosapi.API
}

func buildComponents(ctx context.Context) (*components, error) {
	cfg, err := config.LoadKairosConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := common.NewLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Service.LogLevel),
		Format:     cfg.Service.LogFormat,
		Service:    "kairos",
		Version:    version.GetKairosVersion(),
		TimeFormat: time.RFC3339,
	})

	var kv kvstore.Store
	if cfg.KV.URL == "" {
		kv = kvstore.NewMemoryStore()
	} else {
		kv, err = kvstore.NewRedisStore(cfg.KV.URL)
		if err != nil {
			return nil, fmt.Errorf("connect kv store: %w", err)
		}
	}
	namespacedKV := kvstore.NewNamespaced(kv, cfg.KV.GlobalPrefix, "")

	vector, err := vectorstore.NewGateway(vectorstore.Config{
		URL:             cfg.Store.URL,
		APIKey:          cfg.Store.APIKey,
		CollectionName:  cfg.Store.Collection,
		VectorDimension: cfg.Embedding.Dimension,
		DefaultSpaceID:  cfg.Ranking.AppSpaceID,
	})
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}
	if err := vector.InitCollection(ctx); err != nil {
		return nil, fmt.Errorf("init collection: %w", err)
	}

	embedder, err := embedding.NewHTTPClient(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("build embedding client: %w", err)
	}

	cacheLayer := cache.New(ctx, namespacedKV)
	resolver := tenant.NewResolver(cfg.Identity.Enabled, cfg.Ranking.AppSpaceID)

	var issuers *security.TrustedIssuers
	if cfg.Identity.Enabled {
		issuers = security.NewTrustedIssuers(security.TrustedIssuersConfig{
			Issuers:   cfg.Identity.TrustedIssuers,
			Audiences: cfg.Identity.AllowedAudiences,
			CacheTTL:  cfg.Identity.JWKSCacheTTL,
		})
	}

	powEngine := pow.New(namespacedKV)
	chainStore := chainstore.New(vector, embedder, cacheLayer)
	searchEngine := search.New(vector, embedder, cacheLayer)
	nav := navigate.New(vector, powEngine, cacheLayer, searchEngine, namespacedKV)
	reg := metrics.New()

	seedReservedMemories(ctx, chainStore, cfg.Ranking.AppSpaceID, log)

	api := kairosapi.New(chainStore, nav, powEngine, log)

	return &components{
		cfg: cfg, log: log, kv: kv, vector: vector, embedder: embedder,
		cacheL: cacheLayer, resolver: resolver, issuers: issuers,
		pow: powEngine, chain: chainStore, nav: nav, metrics: reg, api: api,
	}, nil
}

func runServer(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c, err := buildComponents(ctx)
	if err != nil {
		logrus.StandardLogger().Fatalf("startup failed: %v", err)
	}

	serverCfg := kairoshttp.DefaultServerConfig()
	serverCfg.Port = c.cfg.Server.Port

	e := httpapi.NewEchoServer(c.api, httpapi.Config{
		Server:         serverCfg,
		Metrics:        c.metrics,
		Resolver:       c.resolver,
		Issuers:        c.issuers,
		ResourceServer: fmt.Sprintf("http://localhost:%d", serverCfg.Port),
	}, c.log)

	mcp := mcpserver.New(c.api, c.resolver, c.issuers, c.log)
	e.POST("/mcp", echo.WrapHandler(http.HandlerFunc(mcp.ServeHTTP)))

	go func() {
		c.log.Infof("kairos server starting on port %d", serverCfg.Port)
		if err := kairoshttp.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			c.log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	c.log.Info("shutting down")
	if err := kairoshttp.GracefulShutdown(e, 10*time.Second); err != nil {
		c.log.Fatal(err)
	}
}

// statsCmd reports collection and chain totals the way an operator would
// check server health without opening a dashboard.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print memory chain and step counts from the configured vector store",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, err := config.LoadKairosConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}

		vector, err := vectorstore.NewGateway(vectorstore.Config{
			URL:             cfg.Store.URL,
			APIKey:          cfg.Store.APIKey,
			CollectionName:  cfg.Store.Collection,
			VectorDimension: cfg.Embedding.Dimension,
			DefaultSpaceID:  cfg.Ranking.AppSpaceID,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect vector store:", err)
			os.Exit(1)
		}

		steps := 0
		chains := make(map[string]struct{})
		var cursor *string
		for {
			points, next, err := vector.Scroll(ctx, vectorstore.Filter{}, 256, cursor)
			if err != nil {
				fmt.Fprintln(os.Stderr, "scroll collection:", err)
				os.Exit(1)
			}
			for _, p := range points {
				steps++
				if chain, ok := p.Payload["chain"].(map[string]interface{}); ok {
					if id, ok := chain["id"].(string); ok {
						chains[id] = struct{}{}
					}
				}
			}
			if next == nil || len(points) == 0 {
				break
			}
			cursor = next
		}

		fmt.Printf("collection:   %s\n", cfg.Store.Collection)
		fmt.Printf("chains:       %s\n", humanize.Comma(int64(len(chains))))
		fmt.Printf("steps:        %s\n", humanize.Comma(int64(steps)))
	},
}
