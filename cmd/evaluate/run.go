package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/residue-eval/internal/adapter"
	"github.com/danielpatrickdp/residue-eval/internal/codec"
	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/evaluator"
	"github.com/danielpatrickdp/residue-eval/internal/metrics"
	"github.com/danielpatrickdp/residue-eval/internal/protocol"
	"github.com/danielpatrickdp/residue-eval/internal/report"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/shell"
	"github.com/danielpatrickdp/residue-eval/internal/store"
)

// #region commands
var (
	protocolPath string
	reportPath   string
	dbPath       string
	metricsAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a protocol against the configured model",
	Long: `Runs every (probe, shell) pair of the protocol, stores each result
and writes a JSON report. A failing run does not fail the command;
an invalid protocol does, before any model call.`,
	RunE: runEvaluation,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a protocol definition without calling the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := protocol.Load(protocolPath)
		if err != nil {
			return err
		}
		if err := protocol.Validate(p, shell.DefaultRegistry(), loadedConfig.Thresholds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d probes, %d runs\n", p.Name, len(p.Probes), len(p.Jobs()))
		return nil
	},
}

var shellsCmd = &cobra.Command{
	Use:   "shells",
	Short: "List the built-in shells",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range shell.DefaultRegistry().Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd} {
		c.Flags().StringVarP(&protocolPath, "protocol", "p", "", "protocol definition (YAML)")
		_ = c.MarkFlagRequired("protocol")
	}
	runCmd.Flags().StringVar(&reportPath, "report", "report.json", `report output path ("-" for stdout)`)
	runCmd.Flags().StringVar(&dbPath, "db", "", "result database (defaults to store.path; \"none\" disables)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}
// #endregion commands

// #region run
func runEvaluation(cmd *cobra.Command, args []string) error {
	cfg := loadedConfig
	p, err := protocol.Load(protocolPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	model, closeModel, err := newAdapter(cfg.Adapter)
	if err != nil {
		return err
	}
	defer closeModel()

	st, evaluationID, err := openStore(cfg, p.Name)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	ev := evaluator.New(shell.DefaultRegistry(), evaluator.Options{
		Thresholds: cfg.Thresholds,
		Runtime:    cfg.Runtime,
		Logger:     logger,
		Metrics:    m,
	})
	ch, err := ev.Evaluate(ctx, p, model)
	if err != nil {
		return err
	}

	var results []evaluator.Result
	for r := range ch {
		fields := []zap.Field{
			zap.String("run_id", r.RunID),
			zap.String("probe", r.ProbeID),
			zap.String("shell", r.Shell),
			zap.String("status", string(r.Status)),
			zap.Int("events", len(r.Residue)),
		}
		if r.Score != nil {
			fields = append(fields, zap.Float64("delta_p", r.Score.DeltaP))
		}
		if r.Cause != nil {
			fields = append(fields, zap.String("cause", string(r.Cause.Kind)), zap.String("cause_message", r.Cause.Message))
		}
		logger.Info("run finished", fields...)

		if st != nil {
			if err := st.SaveResult(evaluationID, r); err != nil {
				logger.Error("store result", zap.String("run_id", r.RunID), zap.Error(err))
			}
		}
		results = append(results, r)
	}

	rep := report.Build(evaluationID, results)
	if err := writeReport(reportPath, rep); err != nil {
		return err
	}
	if reportPath != "-" {
		printDomains(cmd.OutOrStdout(), rep.Domains)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("evaluation interrupted; unfinished runs were recorded as cancelled")
	}
	return nil
}
// #endregion run

// #region wiring
func newAdapter(ac config.AdapterConfig) (adapter.Adapter, func(), error) {
	switch ac.Kind {
	case "openai":
		key := os.Getenv(ac.APIKeyEnv)
		if key == "" && ac.BaseURL == "" {
			return nil, nil, fmt.Errorf("adapter openai: %s is not set", ac.APIKeyEnv)
		}
		return adapter.NewOpenAI(adapter.OpenAIConfig{
			APIKey:      key,
			BaseURL:     ac.BaseURL,
			Model:       ac.Model,
			TopLogProbs: ac.TopLogProbs,
		}), func() {}, nil
	default:
		c, err := codec.NewClient(ac.Addr, ac.TopLogProbs)
		if err != nil {
			return nil, nil, fmt.Errorf("connect model service at %s: %w", ac.Addr, err)
		}
		return c, func() { _ = c.Close() }, nil
	}
}

func openStore(cfg config.Config, protocolName string) (*store.Store, string, error) {
	path := cfg.Store.Path
	if dbPath != "" {
		path = dbPath
	}
	if path == "" || path == "none" {
		return nil, "", nil
	}
	st, err := store.NewStore(path)
	if err != nil {
		return nil, "", fmt.Errorf("open store %s: %w", path, err)
	}
	id, err := st.CreateEvaluation(protocolName)
	if err != nil {
		st.Close()
		return nil, "", err
	}
	logger.Info("evaluation recorded", zap.String("evaluation_id", id), zap.String("db", path))
	return st, id, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
// #endregion wiring

// #region output
func writeReport(path string, rep report.Report) error {
	if path == "-" {
		return report.Write(os.Stdout, rep)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Write(f, rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printDomains(w io.Writer, domains []evaluator.DomainSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tRUNS\tOK\tCANCELLED\tFAILED\tMEAN Δp\tVOID\tHESITATION\tCOLLAPSE")
	for _, d := range domains {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.3f\t%d\t%d\t%d\n",
			d.Domain, d.Runs, d.Completed, d.Cancelled, d.Failed, d.MeanDeltaP,
			d.Residue[residue.AttributionVoid], d.Residue[residue.TokenHesitation], d.Residue[residue.RecursiveCollapse])
	}
	tw.Flush()
}
// #endregion output
