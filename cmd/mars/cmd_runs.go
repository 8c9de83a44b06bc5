package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/mars/internal/store"
)

var (
	runsLimit    int
	showJSON     bool
	pruneRetired bool

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List stored runs",
		RunE:  listRuns,
	}

	showCmd = &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}

	strategiesCmd = &cobra.Command{
		Use:   "strategies",
		Short: "List strategies shared across runs",
		RunE:  listStrategies,
	}
)

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "l", 20, "maximum number of runs (0 = all)")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "print the full output as JSON")
	strategiesCmd.Flags().BoolVar(&pruneRetired, "prune", false, "delete retired strategies")
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return db, nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.ListRuns(runsLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tMETHOD\tTOKENS\tANSWER")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Status, r.Method, r.TotalTokens, truncate(r.Answer, 40))
	}
	return tw.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := db.GetRun(args[0])
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	w := cmd.OutOrStdout()
	if showJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if r.Output == nil {
		fmt.Fprintf(w, "run:    %s\nquery:  %s\nstatus: %s\n", r.ID, r.Query, r.Status)
		if r.FailureReason != "" {
			fmt.Fprintf(w, "reason: %s\n", r.FailureReason)
		}
		return nil
	}
	fmt.Fprintf(w, "query: %s\n\n", r.Query)
	printOutput(w, r.Output)
	return nil
}

func listStrategies(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if pruneRetired {
		n, err := db.DeleteRetiredStrategies(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d retired strategies\n", n)
	}

	strategies, err := db.LoadStrategies(ctx, 0)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RATE\tUSES\tDESCRIPTION")
	for _, st := range strategies {
		fmt.Fprintf(tw, "%.2f\t%d\t%s\n", st.SuccessRate, st.Uses, truncate(st.Description, 70))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
