package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"cascade/internal/app"
	"cascade/internal/config"
	"cascade/internal/domain"
	"cascade/internal/engine"
	"cascade/internal/graph"
	"cascade/internal/metrics"
	"cascade/internal/mutator"
	"cascade/internal/orchestrator"
	"cascade/internal/planner"
	"cascade/internal/prompt"
	"cascade/internal/readme"
	"cascade/internal/registry"
	"cascade/internal/repo"
	"cascade/internal/server"
	"cascade/internal/version"
)

const (
	exitOK = iota
	exitFailure
	exitPlanning
	exitPublish
	exitManifestWrite
)

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Release every package of a workspace in dependency order",
	Long: `cascade bumps versions across a multi-package workspace, rewrites the
requirements that point at bumped packages and publishes each package only
after everything it depends on is visible in the registry.

- plan shows the release order, target versions and requirement rewrites.
- release applies the plan and publishes; --dry-run shows what would happen.
- history lists past runs recorded in .cascade/cascade.db.
- serve exposes history and plans over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASCADE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error); defaults to cascade.yml")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json|console); defaults to cascade.yml")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(planCmd("plan", "Show the release plan without writing anything"))
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(readmeCmd())
	rootCmd.AddCommand(serveCmd())
}

// exitCode maps pipeline errors to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, mutator.ErrManifestWrite):
		return exitManifestWrite
	case errors.Is(err, orchestrator.ErrPublishFailed), errors.Is(err, orchestrator.ErrAborted):
		return exitPublish
	case errors.Is(err, graph.ErrCyclicDependency), errors.Is(err, planner.ErrVersionConflict),
		errors.Is(err, graph.ErrInvalidWorkspace), errors.Is(err, version.ErrUnsafeRewrite):
		return exitPlanning
	default:
		return exitFailure
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cascade.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing cascade.yml")
	return cmd
}

type planFlags struct {
	bumps       []string
	bumpAll     string
	skip        []string
	pinPolicy   string
	interactive bool
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.bumps, "bump", nil, "bump a package: name=none|patch|minor|major (repeatable)")
	cmd.Flags().StringVar(&f.bumpAll, "bump-all", "", "bump every publishable package not named by --bump")
	cmd.Flags().StringArrayVar(&f.skip, "skip", nil, "leave a package out of publishing (repeatable)")
	cmd.Flags().StringVar(&f.pinPolicy, "pin-policy", "", "exact pins: reject|rewrite; defaults to cascade.yml")
	cmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false, "ask for each package's bump")
}

func (f *planFlags) options(ctx context.Context, e engine.Engine, dryRun bool) (engine.PlanOptions, error) {
	opts := engine.PlanOptions{Skip: f.skip, DryRun: dryRun}
	if f.pinPolicy != "" {
		pin, err := version.ParsePinPolicy(f.pinPolicy)
		if err != nil {
			return opts, err
		}
		opts.PinPolicy = pin
	}
	if f.interactive {
		pkgs, err := e.App.LoadPackages(e.App.Manifests(), f.skip)
		if err != nil {
			return opts, err
		}
		pol, err := prompt.Ask(ctx, pkgs, os.Stdin, os.Stderr)
		if err != nil {
			return opts, err
		}
		opts.Policy = pol
		return opts, nil
	}
	overrides, err := planner.ParseOverrides(f.bumps)
	if err != nil {
		return opts, err
	}
	all, err := version.ParseBumpKind(f.bumpAll)
	if err != nil {
		return opts, err
	}
	opts.Policy = planner.Explicit{Overrides: overrides, Default: all}
	return opts, nil
}

func planCmd(use, short string) *cobra.Command {
	var f planFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlanner(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts, err := f.options(ctx, e, true)
				if err != nil {
					return err
				}
				_, plan, err := e.Plan(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.NewPlanResponse(plan))
				}
				printPlan(plan)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func validateCmd() *cobra.Command {
	var skip []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the workspace graph and that current requirements hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlanner(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, plan, err := e.Plan(ctx, engine.PlanOptions{Policy: planner.NoBump{}, Skip: skip, DryRun: true})
				if err != nil {
					return err
				}
				order := make([]string, 0, len(plan.Entries))
				for _, entry := range plan.Entries {
					order = append(order, entry.Package.Name)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"valid": true, "packages": g.Len(), "order": order})
				}
				fmt.Printf("Workspace OK: %d packages\n", g.Len())
				fmt.Printf("Release order: %s\n", strings.Join(order, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&skip, "skip", nil, "package to leave out (repeatable)")
	return cmd
}

func releaseCmd() *cobra.Command {
	var f planFlags
	var dryRun bool
	var maxAttempts int
	var baseDelay time.Duration
	var multiplier float64
	var registryURL, metricsFile string
	cmd := &cobra.Command{
		Use:     "release",
		Aliases: []string{"publish"},
		Short:   "Bump, rewrite requirements and publish in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), registryURL, func(ctx context.Context, e engine.Engine) error {
				opts, err := f.options(ctx, e, dryRun)
				if err != nil {
					return err
				}
				retry := e.RetryOptions(dryRun)
				if cmd.Flags().Changed("max-attempts") {
					retry.MaxAttempts = maxAttempts
				}
				if cmd.Flags().Changed("base-delay") {
					retry.BaseDelay = baseDelay
				}
				if cmd.Flags().Changed("multiplier") {
					retry.Multiplier = multiplier
				}
				if retry.MaxAttempts < 1 || retry.BaseDelay < 0 || retry.Multiplier < 1 {
					return fmt.Errorf("invalid retry settings: max-attempts >= 1, base-delay >= 0, multiplier >= 1")
				}
				res, runErr := e.Release(ctx, engine.ReleaseOptions{PlanOptions: opts, Retry: retry})
				if metricsFile != "" && e.Metrics != nil {
					if err := e.Metrics.WriteTextfile(metricsFile); err != nil {
						e.App.Logger.Warn("write metrics file", zap.String("path", metricsFile), zap.Error(err))
					}
				}
				if res.Report.ID == "" {
					var werr *mutator.WriteError
					if errors.As(runErr, &werr) && !viper.GetBool("json") {
						fmt.Fprintf(os.Stderr, "applied before failure: %d write(s)\n", len(werr.Applied))
					}
					return runErr
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
					return runErr
				}
				if dryRun {
					fmt.Println("Dry run: nothing was written or published.")
					for _, w := range res.Writes.Writes {
						fmt.Println("  would write", w.String())
					}
				}
				printReport(res.Report)
				return runErr
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and simulate without writing or publishing")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts per registry operation; defaults to cascade.yml")
	cmd.Flags().DurationVar(&baseDelay, "base-delay", 0, "first backoff delay; defaults to cascade.yml")
	cmd.Flags().Float64Var(&multiplier, "multiplier", 0, "backoff multiplier; defaults to cascade.yml")
	cmd.Flags().StringVar(&registryURL, "registry-url", "", "registry base URL; defaults to cascade.yml")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics of the run to this file")
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded release runs",
	}
	h.AddCommand(historyListCmd())
	h.AddCommand(historyShowCmd())
	return h
}

func historyListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if runs == nil {
						runs = []domain.RunSummary{}
					}
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Outcome", "Dry run", "Packages"})
				for _, s := range runs {
					tw.AppendRow(table.Row{s.ID, s.StartedAt, s.Outcome, s.DryRun, s.Packages})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func historyShowCmd() *cobra.Command {
	var attempts bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run; a unique id prefix is enough",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rep, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReport(rep)
				if attempts {
					printAttempts(rep)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&attempts, "attempts", false, "list every registry attempt")
	return cmd
}

func readmeCmd() *cobra.Command {
	var mode string
	var skip []string
	cmd := &cobra.Command{
		Use:   "readme",
		Short: "Generate README.md files from package doc comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readme.ParseMode(mode)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			store := a.Manifests()
			pkgs, err := a.LoadPackages(store, skip)
			if err != nil {
				return err
			}
			var selected []domain.Package
			for _, p := range pkgs {
				if !p.Skip {
					selected = append(selected, p)
				}
			}
			g := readme.Generator{
				Root:     a.Workspace,
				Template: a.Config.Readme.Template,
				DocURL:   a.Config.Readme.Documentation,
				Store:    store,
				Logger:   a.Logger,
			}
			results, runErr := g.Run(selected, m)
			if viper.GetBool("json") {
				if err := printJSON(results); err != nil {
					return err
				}
				return runErr
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Package", "Status", "Template"})
			for _, r := range results {
				tw.AppendRow(table.Row{r.Package, r.Status, r.Template})
			}
			tw.Render()
			return runErr
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(readme.IfMissing), "if-missing|overwrite|append|check")
	cmd.Flags().StringArrayVar(&skip, "skip", nil, "package to leave out (repeatable)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves run history, plans and Prometheus metrics. Set CASCADE_JWT_SECRET to require bearer tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			hist, conn, err := a.OpenHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			client, err := registryClient(a, "")
			if err != nil {
				return err
			}
			e := engine.New(a, client)
			e.History = &hist
			e.Metrics = metrics.NewCollector()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: a.Logger}
			if authCfg.JWTSecret == "" {
				a.Logger.Warn("CASCADE_JWT_SECRET not set; API is unauthenticated")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				History:  hist,
				Metrics:  e.Metrics,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), hist, a.Config.Webhooks, a.Logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving cascade API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.AddCommand(serveTokenCmd())
	return cmd
}

func serveTokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with CASCADE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, scopes, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token, "subject": subject})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ci", "token subject")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

// --- helpers ---

func loadApp() (*app.Context, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	format := viper.GetString("log-format")
	if format == "" {
		format = cfg.Log.Format
	}
	logger, err := app.NewLogger(level, format)
	if err != nil {
		return nil, err
	}
	return app.New(workspace, cfg, logger), nil
}

func registryClient(a *app.Context, urlOverride string) (registry.Client, error) {
	url := urlOverride
	if url == "" {
		url = viper.GetString("registry-url")
	}
	if url == "" {
		url = a.Config.Registry.URL
	}
	if url == "" {
		return nil, fmt.Errorf("registry url not configured (cascade.yml registry.url or --registry-url)")
	}
	c := registry.NewHTTP(url, a.Config.Registry.Timeout)
	c.Token = a.Config.Registry.Token
	if t := viper.GetString("registry-token"); t != "" {
		c.Token = t
	}
	return c, nil
}

func withEngine(ctx context.Context, registryURL string, fn func(context.Context, engine.Engine) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Logger.Sync()
	client, err := registryClient(a, registryURL)
	if err != nil {
		return err
	}
	hist, conn, err := a.OpenHistory(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(a, client)
	e.History = &hist
	e.Metrics = metrics.NewCollector()
	return fn(ctx, e)
}

// withPlanner runs fn with an engine that can plan but never contacts a
// registry or opens the history store, so nothing under the workspace is
// written.
func withPlanner(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Logger.Sync()
	return fn(ctx, engine.New(a, registry.NewSimulated()))
}

func withHistory(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	r, conn, err := a.OpenHistory(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}

func printPlan(plan domain.ReleasePlan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Package", "Current", "Target", "Publish", "Rewrites"})
	for i, e := range plan.Entries {
		var rewrites []string
		for _, r := range e.Rewrites {
			rewrites = append(rewrites, fmt.Sprintf("%s (%s): %s -> %s", r.Edge.To, r.Edge.Kind, r.Edge.Requirement, r.New))
		}
		publish := "yes"
		switch {
		case e.Package.Private:
			publish = "private"
		case e.Package.Skip:
			publish = "skipped"
		}
		tw.AppendRow(table.Row{i + 1, e.Package.Name, e.Package.Version, e.TargetVersion, publish, strings.Join(rewrites, "\n")})
	}
	tw.Render()
	fmt.Printf("Fingerprint: %s\n", plan.Fingerprint)
}

func printReport(rep domain.RunReport) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Package", "Target", "State", "Attempts", "Polls", "Error"})
	for _, p := range rep.Packages {
		tw.AppendRow(table.Row{p.Name, p.TargetVersion, p.State, p.Attempts, p.Polls, p.Error})
	}
	tw.Render()
	mode := ""
	if rep.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Run %s %s%s\n", rep.ID, rep.Outcome, mode)
}

func printAttempts(rep domain.RunReport) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Package", "Phase", "#", "Outcome", "Delay", "Error", "At"})
	for _, p := range rep.Packages {
		for _, a := range p.History {
			tw.AppendRow(table.Row{p.Name, a.Phase, a.Index, a.Outcome, time.Duration(a.DelayMS) * time.Millisecond, a.Error, a.TS})
		}
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
