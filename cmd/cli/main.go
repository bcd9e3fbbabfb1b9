package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"energyagent/adapters/corpus"
	"energyagent/adapters/store"
	"energyagent/app"
	"energyagent/domain/envelope"
	"energyagent/domain/policy"
	"energyagent/domain/run"
	"energyagent/internal"
	"energyagent/internal/api"
	"energyagent/internal/config"
	"energyagent/internal/plan"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "energyagent",
		Short:         "Park energy and carbon analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newMatchCmd(),
		newPlanCmd(),
		newMigrateCmd(),
		newServeCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *internal.Logger, error) {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, internal.NewLogger(internal.ParseLogLevel(cfg.Pipeline.LogLevel)), nil
}

func newRunCmd() *cobra.Command {
	var (
		outputDir  string
		corpusPath string
		scenarioID string
		dumpState  string
		persist    bool
	)

	cmd := &cobra.Command{
		Use:   "run [request.json]",
		Short: "Run intake, insight and report for one scenario",
		Long: `Run the full pipeline for a request file holding selection, scenario and
inputs. Artifacts, plan.md and report.md are written to the output directory.

Narratives use the OpenAI-compatible endpoint when OPENAI_API_KEY is set and
fall back to deterministic text otherwise.

Example: energyagent run request.json --corpus policy_kg.json --dump-state state.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRequest(args[0])
			if err != nil {
				return err
			}
			if outputDir != "" {
				req.OutputDir = outputDir
			}
			if corpusPath != "" {
				req.Scenario.PolicyCorpusPath = corpusPath
			}
			if scenarioID != "" {
				req.Scenario.ScenarioID = scenarioID
			}
			return runPipeline(cmd.Context(), req, dumpState, persist)
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Output directory (default OUTPUT_ROOT/<scenario_id>)")
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "Policy clause corpus JSON (overrides the request)")
	cmd.Flags().StringVar(&scenarioID, "scenario-id", "", "Scenario id (overrides the request)")
	cmd.Flags().StringVar(&dumpState, "dump-state", "", "Write the final blackboard snapshot to this JSON file")
	cmd.Flags().BoolVar(&persist, "persist", false, "Save the run record to the configured database")
	return cmd
}

func readRequest(path string) (run.Request, error) {
	var req run.Request
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("invalid request %s: %w", path, err)
	}
	return req, nil
}

func runPipeline(ctx context.Context, req run.Request, dumpState string, persist bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []app.RunServiceOption{app.WithLogger(logger)}
	if persist {
		db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := store.NewMigrator(db, logger).Up(ctx); err != nil {
			return err
		}
		opts = append(opts, app.WithRepository(store.NewRunStore(db)))
	}

	fmt.Printf("🔬 Running scenario '%s'...\n", req.Scenario.ScenarioID)
	svc := app.NewRunService(cfg, corpus.NewJSONLoader(), opts...)
	res, runErr := svc.Execute(ctx, req, app.RunOptions{})
	if res == nil {
		return runErr
	}

	printSummary(res)

	if dumpState != "" {
		data, err := json.MarshalIndent(res.State.Snapshot(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		if err := os.WriteFile(dumpState, data, 0o644); err != nil {
			return fmt.Errorf("failed to write state dump: %w", err)
		}
		fmt.Printf("State written to %s\n", dumpState)
	}
	return runErr
}

func printSummary(res *app.RunResult) {
	r := res.Run
	fmt.Printf("\n📊 RUN SUMMARY\n")
	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Status:   %s\n", r.Status)
	fmt.Printf("Output:   %s\n", r.OutputDir)
	if r.Manifest != nil {
		fmt.Printf("Corpus:   %s\n", r.Manifest.CorpusVersion)
	}
	if r.Status == run.StatusFailed {
		fmt.Printf("Failed at %s: %s\n", r.FailedStage, r.Error)
	}

	review := make(map[envelope.Stage]int)
	for _, item := range res.Record.ReviewItems {
		review[item.Stage]++
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTAGE\tCONFIDENCE\tGAPS\tREVIEW")
	for _, name := range envelope.Order {
		env, ok := res.Record.Envelopes[name]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t-\n", name)
			continue
		}
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%d\n", name, env.Confidence, len(env.DataGaps), review[name])
	}
	w.Flush()

	if len(res.Record.ReviewItems) > 0 {
		fmt.Printf("\nReview queue (%d):\n", len(res.Record.ReviewItems))
		for _, item := range res.Record.ReviewItems {
			fmt.Printf("  [%s] %s: %s\n", item.Severity, item.Stage, item.Issue)
		}
	}
}

func newMatchCmd() *cobra.Command {
	var (
		corpusPath string
		admin      []string
		industry   []string
		measures   []string
		capex      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Score policy clauses against admin, industry and measure tags",
		Long: `Match a policy clause corpus against an ad-hoc query and aggregate the
capex subsidies of the given measures.

Example: energyagent match --corpus policy_kg.json --admin 110000 --measure PV_ROOF --capex PV_ROOF=12.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			costs, err := parseCapex(capex)
			if err != nil {
				return err
			}
			return runMatch(cmd.Context(), corpusPath, policy.Query{
				AdminCodes:    admin,
				IndustryCodes: industry,
				MeasureIDs:    measures,
			}, costs)
		},
	}

	cmd.Flags().StringVar(&corpusPath, "corpus", "", "Policy clause corpus JSON (default POLICY_KG_PATH)")
	cmd.Flags().StringSliceVar(&admin, "admin", nil, "Admin codes")
	cmd.Flags().StringSliceVar(&industry, "industry", nil, "Industry codes")
	cmd.Flags().StringSliceVar(&measures, "measure", nil, "Measure ids")
	cmd.Flags().StringToStringVar(&capex, "capex", nil, "Measure capex in million CNY, e.g. PV_ROOF=12.5")
	return cmd
}

func parseCapex(raw map[string]string) ([]policy.MeasureCost, error) {
	costs := make([]policy.MeasureCost, 0, len(raw))
	for id, v := range raw {
		capex, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid capex for %s: %w", id, err)
		}
		costs = append(costs, policy.MeasureCost{MeasureID: id, Capex: capex})
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i].MeasureID < costs[j].MeasureID })
	return costs, nil
}

func runMatch(ctx context.Context, corpusPath string, q policy.Query, costs []policy.MeasureCost) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	res, err := app.NewRunService(cfg, corpus.NewJSONLoader()).Match(ctx, corpusPath, q, costs)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect run plan files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [output-dir|plan.md]",
		Short: "Print the checklist and recent log of a run's plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showPlan(args[0])
		},
	})
	return cmd
}

func showPlan(path string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, plan.FileName)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	state, err := plan.Parse(string(content))
	if err != nil {
		return err
	}

	fmt.Printf("Plan for %s (updated %s)\n\n", state.ScenarioID, state.LastUpdated)
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tTITLE\tNOTE")
	for _, t := range state.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Title, t.Note)
	}
	w.Flush()

	if n := len(state.Logs); n > 0 {
		fmt.Printf("\nRecent log:\n")
		for _, line := range state.Logs[max(0, n-10):] {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run store schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), false)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), true)
			},
		},
	)
	return cmd
}

func migrate(ctx context.Context, statusOnly bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	m := store.NewMigrator(db, logger)

	if !statusOnly {
		n, err := m.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d migration(s)\n", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED\tDRIFTED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", s.Version, s.Name, s.Applied, s.Drifted)
	}
	return w.Flush()
}

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run tracking API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if port != "" {
				cfg.Server.Port = port
			}
			return api.Serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Listen port (default PORT)")
	return cmd
}
