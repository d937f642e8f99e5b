package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/config"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	metricprometheus "github.com/kubescape/tracestate/pkg/metricsmanager/prometheus"
	"github.com/kubescape/tracestate/pkg/session"
	"github.com/kubescape/tracestate/pkg/traceset"
	"github.com/kubescape/workerpool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type rootOptions struct {
	fs        afero.Fs
	configDir string
	live      bool
	workers   int
	cfg       config.Config
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	opts := &rootOptions{fs: fs}
	cmd := &cobra.Command{
		Use:   "tracestate",
		Short: "Rebuild kernel state from recorded traces",
		Long: `tracestate replays per-CPU kernel event streams through a state engine
that tracks processes, execution modes and per-CPU resources. Traces are
directories of JSON-lines files, one file per CPU.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.loadConfig()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate(fmt.Sprintf("tracestate version %s\n", version))

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configDir, "config-dir", os.Getenv(config.ConfigDirEnvVar), "Directory holding config.json (default: built-in defaults)")
	flags.BoolVar(&opts.live, "live", false, "Treat the traces as still growing")
	flags.IntVar(&opts.workers, "workers", 4, "Number of trace directories loaded in parallel")

	cmd.AddCommand(newReplayCmd(opts), newStateAtCmd(opts), newCheckpointsCmd(opts))
	return cmd
}

func (o *rootOptions) loadConfig() error {
	if o.configDir == "" {
		o.cfg = config.Default()
		return nil
	}
	cfg, err := config.LoadConfigFs(o.fs, o.configDir)
	if err != nil {
		return fmt.Errorf("load config from %s: %w", o.configDir, err)
	}
	o.cfg = cfg
	return nil
}

func (o *rootOptions) metrics() metricsmanager.MetricsManager {
	if !o.cfg.EnablePrometheusExporter {
		return metricsmanager.NewMetricsMock()
	}
	m := metricprometheus.NewPrometheusMetric(o.cfg.MetricsAddress)
	m.Start()
	return m
}

// openSession creates a session and adds one trace per directory. The
// directories are parsed in parallel and added in argument order.
func (o *rootOptions) openSession(ctx context.Context, dirs []string) (*session.Session, error) {
	s, err := session.New(o.cfg, o.fs, o.metrics())
	if err != nil {
		return nil, err
	}

	type loaded struct {
		files *event.TraceFiles
		err   error
	}
	results := make([]loaded, len(dirs))
	pool := workerpool.New(max(o.workers, 1))
	for i, dir := range dirs {
		pool.Submit(func() {
			files, err := event.LoadTraceDir(o.fs, dir)
			results[i] = loaded{files: files, err: err}
		}, "loadTraceDir")
	}
	pool.StopWait()

	for i, dir := range dirs {
		if results[i].err != nil {
			return nil, closeOnError(s, results[i].err)
		}
		name := traceName(dir)
		if err := s.AddTrace(ctx, traceset.FromFiles(name, results[i].files, s.TraceOptions(o.live))); err != nil {
			return nil, closeOnError(s, err)
		}
	}
	logger.L().Ctx(ctx).Info("tracestate - traces loaded", helpers.Int("traces", len(dirs)))
	return s, nil
}

func closeOnError(s *session.Session, err error) error {
	if cerr := s.Close(); cerr != nil {
		logger.L().Warning("tracestate - closing session", helpers.Error(cerr))
	}
	return err
}

func traceName(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

func parseTimeFlag(name, value string, def event.Time) (event.Time, error) {
	if value == "" {
		return def, nil
	}
	t, err := event.ParseTime(value)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}
