package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/llm"
	"github.com/mtzanidakis/mars/internal/mars"
	"github.com/mtzanidakis/mars/internal/store"
)

var runFlags struct {
	agents      int
	iterations  int
	aggregate   bool
	strategies  bool
	lightweight bool
	budget      int
	timeout     time.Duration
	jsonOut     bool
	persist     bool
	verbose     bool
}

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Answer a query and print the selected answer",
	Long: `Run a single coordination over the query. The query is read from the
arguments, or from stdin when no arguments are given or the only argument
is "-".`,
	RunE: runQuery,
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runFlags.agents, "agents", "n", 0, "number of agents")
	f.IntVarP(&runFlags.iterations, "iterations", "i", 0, "maximum improvement iterations")
	f.BoolVar(&runFlags.aggregate, "aggregate", false, "enable solution aggregation")
	f.BoolVar(&runFlags.strategies, "strategies", false, "enable the strategy network")
	f.BoolVar(&runFlags.lightweight, "lightweight", false, "use the lightweight preset")
	f.IntVar(&runFlags.budget, "budget", 0, "token budget (0 = unlimited)")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "wall-clock limit for the run")
	f.BoolVar(&runFlags.jsonOut, "json", false, "print the full output as JSON")
	f.BoolVar(&runFlags.persist, "persist", false, "store the run and share strategies across runs")
	f.BoolVarP(&runFlags.verbose, "verbose", "v", false, "log run events")
}

// applyRunFlags overrides cfg with the flags the user set explicitly.
func applyRunFlags(cmd *cobra.Command, cfg *config.MarsConfig) {
	f := cmd.Flags()
	if f.Changed("agents") {
		cfg.AgentCount = runFlags.agents
	}
	if f.Changed("iterations") {
		cfg.MaxIterations = runFlags.iterations
	}
	if f.Changed("aggregate") {
		cfg.EnableAggregation = runFlags.aggregate
	}
	if f.Changed("strategies") {
		cfg.EnableStrategyNetwork = runFlags.strategies
	}
	if f.Changed("lightweight") {
		cfg.Lightweight = runFlags.lightweight
	}
	if f.Changed("budget") {
		cfg.TokenBudget = runFlags.budget
	}
	if f.Changed("timeout") {
		cfg.Timeout = runFlags.timeout
	}
}

func readQuery(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read query: %w", err)
		}
		args = []string{string(data)}
	}
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return "", errors.New("empty query")
	}
	return query, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Close()

	query, err := readQuery(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	applyRunFlags(cmd, &cfg.Mars)

	gen, err := llm.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	opts := []mars.Option{
		mars.WithLogger(log.Logger),
		mars.WithMaxTokens(cfg.Provider.MaxTokens),
	}
	if runFlags.verbose {
		opts = append(opts, mars.WithEventSink(mars.SinkFunc(func(ev mars.Event) {
			log.Info("event", "type", ev.Type, "state", ev.State, "solution", ev.SolutionID, "agent", ev.AgentID)
		})))
	}

	var db *store.Store
	if runFlags.persist {
		db, err = store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer db.Close()
		opts = append(opts, mars.WithStrategyStore(db))
	}

	coord, err := mars.New(cfg.Mars, gen, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := coord.Run(ctx, query)
	if err != nil {
		return err
	}

	if db != nil {
		if err := db.SaveRun(out); err != nil {
			log.Error("save run", "run", out.RunID, "error", err)
		}
	}

	if runFlags.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printOutput(cmd.OutOrStdout(), out)
	return nil
}

func printOutput(w io.Writer, out *mars.Output) {
	fmt.Fprintf(w, "%s\n\n", out.Answer)
	verified := 0
	for _, s := range out.Solutions {
		if s.Verified {
			verified++
		}
	}
	fmt.Fprintf(w, "run:        %s\n", out.RunID)
	fmt.Fprintf(w, "method:     %s", out.Method)
	if out.TieBroken {
		fmt.Fprint(w, " (tie broken)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "status:     %s\n", out.Status)
	if out.FailureReason != "" {
		fmt.Fprintf(w, "reason:     %s\n", out.FailureReason)
	}
	fmt.Fprintf(w, "solutions:  %d (%d verified)\n", len(out.Solutions), verified)
	fmt.Fprintf(w, "iterations: %d\n", out.Iterations)
	fmt.Fprintf(w, "tokens:     %d\n", out.TotalTokens)
	fmt.Fprintf(w, "duration:   %s\n", out.CompletedAt.Sub(out.StartedAt).Round(time.Millisecond))
}
