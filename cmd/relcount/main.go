// Package main provides the relcount CLI: the HTTP server and offline
// maintenance commands over the same data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sanonone/relcount/internal/server"
	"github.com/sanonone/relcount/pkg/config"
	"github.com/sanonone/relcount/pkg/count"
	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/engine"
)

var rootCmd = &cobra.Command{
	Use:   "relcount",
	Short: "Relationship degree counts cached on graph nodes",
	Long: `relcount keeps per-node counts of relationships grouped by type, direction
and properties, compacts them when a node has too many distinct groups, and
answers degree queries from the cache, traversing the graph when the cache
cannot certify the answer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recount the cached degrees of every node",
	RunE:  runRebuild,
}

var countCmd = &cobra.Command{
	Use:   "count <node>",
	Short: "Count the relationships of a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runCount,
}

var cacheCmd = &cobra.Command{
	Use:   "cache <node>",
	Short: "Print the cached degrees of a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runCache,
}

var (
	configPath string
	dataDir    string
	backend    string
	logLevel   string

	httpAddr  string
	authToken string

	relType   string
	direction string
	mode      string
	literal   bool
	props     []string

	cfg config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Override the storage backend (memory, file, badger)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&httpAddr, "http-addr", "", "Override the HTTP listen address")
	serveCmd.Flags().StringVar(&authToken, "auth-token", os.Getenv("RELCOUNT_AUTH_TOKEN"), "Bearer token required by the API")

	countCmd.Flags().StringVar(&relType, "type", "", "Relationship type")
	countCmd.Flags().StringVar(&direction, "direction", "both", "Direction (out, in, both)")
	countCmd.Flags().StringVar(&mode, "mode", string(engine.ModeFallback), "Counter (fallback, cached, naive)")
	countCmd.Flags().BoolVar(&literal, "literal", false, "Count relationships with exactly the given properties")
	countCmd.Flags().StringArrayVar(&props, "prop", nil, "Property constraint key=value, repeatable")
	countCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration, applies the flag overrides and sets
// up the default logger.
func loadConfig() error {
	var err error
	if cfg, err = config.LoadConfig(configPath); err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func openEngine() (*engine.Engine, error) {
	eng, err := engine.Open(engine.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return eng, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	addr := cfg.HTTPAddr
	if httpAddr != "" {
		addr = httpAddr
	}
	token := cfg.AuthToken
	if authToken != "" {
		token = authToken
	}
	srv := server.NewServer(eng, addr, token)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownChan:
		slog.Info("Shutdown signal received", "signal", sig.String())
	}
	srv.Shutdown()
	return <-errCh
}

func runRebuild(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := eng.Rebuild(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Rebuilt %d nodes (%d relationship endpoints, %d chunks) in %s\n",
		stats.Nodes, stats.Relationships, stats.Chunks, stats.Duration)
	return nil
}

func runCount(cmd *cobra.Command, args []string) error {
	dir, err := descriptor.ParseDirection(direction)
	if err != nil {
		return err
	}
	m, err := engine.ParseMode(mode)
	if err != nil {
		return err
	}
	q := count.NewQuery(relType, dir)
	for _, p := range props {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --prop %q, expected key=value", p)
		}
		q = q.With(k, v)
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.CountWith(m, args[0], q, literal)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runCache(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	snap, err := eng.Snapshot(args[0])
	if err != nil {
		return err
	}
	out := struct {
		Entries   map[string]int64 `json:"entries"`
		Compacted []string         `json:"compacted"`
	}{Entries: make(map[string]int64), Compacted: []string{}}
	for _, e := range snap.Sorted() {
		out.Entries[e.Descriptor.String()] = e.Count
	}
	for g := range snap.Compacted {
		out.Compacted = append(out.Compacted, g.String())
	}
	sort.Strings(out.Compacted)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
