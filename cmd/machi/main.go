// Command machi runs the agent town server and its offline tools.
//
//	machi                         # same as machi serve
//	machi serve
//	machi inspect --state file://machi-state.json.zst [--json]
//	machi roster validate town.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/machi"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/persist"
	"github.com/ashita-ai/machi/internal/roster"
	"github.com/ashita-ai/machi/internal/town"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("MACHI_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	serve := newServeCmd(logger)
	root := &cobra.Command{
		Use:           "machi",
		Short:         "A small town of autonomous residents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.AddCommand(serve, newInspectCmd(logger), newRosterCmd())
	return root
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var (
		port     int
		stateURL string
		rosterP  string
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the town: simulation loop, HTTP API, event stream and MCP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := machi.New(
				machi.WithVersion(version),
				machi.WithLogger(logger),
				machi.WithPort(port),
				machi.WithStateURL(stateURL),
				machi.WithRoster(rosterP),
				machi.WithSeed(seed),
			)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides MACHI_PORT)")
	cmd.Flags().StringVar(&stateURL, "state", "", "snapshot backend URL (overrides MACHI_STATE_URL)")
	cmd.Flags().StringVar(&rosterP, "roster", "", "roster YAML file (overrides MACHI_ROSTER_PATH)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "simulation random seed (overrides MACHI_SIM_SEED)")
	return cmd
}

// =============================================================================
// INSPECT
// =============================================================================

func newInspectCmd(logger *slog.Logger) *cobra.Command {
	var (
		stateURL string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the last saved snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stateURL == "" {
				stateURL = os.Getenv("MACHI_STATE_URL")
			}
			if stateURL == "" {
				return fmt.Errorf("inspect: --state or MACHI_STATE_URL is required")
			}
			store, err := persist.Open(cmd.Context(), stateURL, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			snap, ok, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			if !ok {
				return fmt.Errorf("inspect: no snapshot saved at %s", stateURL)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return printSummary(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&stateURL, "state", "", "snapshot backend URL (default MACHI_STATE_URL)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	return cmd
}

func printSummary(w io.Writer, snap model.Snapshot) error {
	st := town.Summarize(snap)
	fmt.Fprintf(w, "snapshot taken %s, store version %d, schema %d\n",
		snap.TakenAt.Format("2006-01-02 15:04:05 MST"), snap.StoreVersion, snap.SchemaVersion)
	fmt.Fprintf(w, "%d agents, average emotion %.2f; %d relationships, average score %.1f, %d interactions\n",
		st.Agents, st.AverageEmotion, st.Relationships, st.AverageScore, st.TotalInteractions)
	if st.Strongest != nil {
		fmt.Fprintf(w, "strongest bond %s (%d)\n", st.Strongest.Pair, st.Strongest.Score)
	}
	if st.Weakest != nil {
		fmt.Fprintf(w, "weakest bond %s (%d)\n", st.Weakest.Pair, st.Weakest.Score)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROFESSION\tLOCATION\tMOOD\tEMOTION\tVERSION")
	for _, name := range snap.AgentNames() {
		a := snap.Agents[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%d\n", a.Name, a.Profession, a.Location, a.Mood(), a.Emotion, a.Version)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(snap.Relationships) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	keys := make([]string, 0, len(snap.Relationships))
	for k := range snap.Relationships {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAIR\tSCORE\tINTERACTIONS\tLAST")
	for _, k := range keys {
		e := snap.Relationships[k]
		last := "-"
		if !e.LastInteraction.IsZero() {
			last = e.LastInteraction.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", e.Pair.A+" & "+e.Pair.B, e.Score, e.InteractionCount, last)
	}
	return tw.Flush()
}

// =============================================================================
// ROSTER
// =============================================================================

func newRosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Work with town roster files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate PATH",
		Short: "Check a roster file against the schema and cross-field rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := roster.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d agents, %d places)\n", args[0], len(r.Agents), len(r.Places()))
			return nil
		},
	})
	return cmd
}
