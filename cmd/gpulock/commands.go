package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/tezrry/gpulock/bench"
	"github.com/tezrry/gpulock/compute"
	_ "github.com/tezrry/gpulock/compute/sim"
	"github.com/tezrry/gpulock/pkg/logging"
)

type runFlags struct {
	configPath  string
	kernelDir   string
	backend     string
	device      int
	diagnostics bool
	output      string
	metricsFile string
	logFile     string
	logLevel    string

	workgroups      uint32
	workgroupSize   uint32
	lockIters       uint32
	testIters       uint32
	filler          bool
	legacyFenced    bool
	strictAnomalies bool
	variants        []string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gpulock",
		Short:         "Measure mutual exclusion failures of GPU spin-lock kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newDriversCmd(), newVariantsCmd())
	return root
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every lock variant on one device and print the report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runBench(ctx, cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "YAML benchmark configuration")
	flags.StringVar(&f.kernelDir, "kernels", "", "directory holding <variant>.spv kernel binaries")
	flags.StringVar(&f.backend, "backend", "sim", "compute driver name")
	flags.IntVar(&f.device, "device", 0, "physical device index")
	flags.BoolVar(&f.diagnostics, "diagnostics", false, "enable driver validation messages")
	flags.StringVarP(&f.output, "output", "o", "", "write the report here instead of stdout")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics in textfile format")
	flags.StringVar(&f.logFile, "log-file", "", "write logs to a rotating file")
	flags.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")

	flags.Uint32Var(&f.workgroups, "workgroups", 0, "workgroup count, clamped to the device limit")
	flags.Uint32Var(&f.workgroupSize, "workgroup-size", 0, "invocations per workgroup")
	flags.Uint32Var(&f.lockIters, "lock-iters", 0, "lock acquisitions per workgroup per iteration")
	flags.Uint32Var(&f.testIters, "test-iters", 0, "test iterations per variant")
	flags.BoolVar(&f.filler, "filler", false, "bind the filler buffer")
	flags.BoolVar(&f.legacyFenced, "legacy-fenced", false, "dispatch the non-fenced kernel for fenced variants")
	flags.BoolVar(&f.strictAnomalies, "strict-anomalies", false, "fail the run on a measurement anomaly")
	flags.StringSliceVar(&f.variants, "variants", nil, "variants to run, default all")
	return cmd
}

// config loads the YAML file, if any, and lets explicitly set flags override it.
func (f *runFlags) config(cmd *cobra.Command) (bench.Config, error) {
	c := bench.DefaultConfig()
	if f.configPath != "" {
		var err error
		if c, err = bench.LoadConfig(f.configPath); err != nil {
			return c, err
		}
	}

	changed := cmd.Flags().Changed
	var fns []bench.ConfigFunc
	if changed("workgroups") {
		fns = append(fns, bench.WithWorkgroups(f.workgroups))
	}
	if changed("workgroup-size") {
		fns = append(fns, bench.WithWorkgroupSize(f.workgroupSize))
	}
	if changed("lock-iters") {
		fns = append(fns, bench.WithLockIters(f.lockIters))
	}
	if changed("test-iters") {
		fns = append(fns, bench.WithTestIters(f.testIters))
	}
	if changed("filler") {
		fns = append(fns, bench.WithFiller(f.filler))
	}
	if changed("legacy-fenced") {
		fns = append(fns, bench.WithLegacyFencedDispatch(f.legacyFenced))
	}
	if changed("strict-anomalies") {
		fns = append(fns, bench.WithStrictAnomalies(f.strictAnomalies))
	}
	if changed("variants") {
		fns = append(fns, bench.WithVariants(f.variants...))
	}
	return bench.NewConfig(append([]bench.ConfigFunc{bench.WithConfig(&c)}, fns...)...)
}

func (f *runFlags) logger() (logging.Logger, logging.Flusher, error) {
	level := logging.InfoLevel
	if f.logLevel != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(f.logLevel)); err != nil {
			return nil, nil, err
		}
		level = l
	}
	if f.logFile != "" {
		return logging.CreateLoggerAsLocalFile(f.logFile, level)
	}
	if f.logLevel != "" {
		logger, flush := logging.CreateLoggerAsStdout(level)
		return logger, flush, nil
	}
	return logging.GetDefaultLogger(), logging.GetDefaultFlusher(), nil
}

func runBench(ctx context.Context, cmd *cobra.Command, f *runFlags) (err error) {
	config, err := f.config(cmd)
	if err != nil {
		return err
	}
	logger, flush, err := f.logger()
	if err != nil {
		return err
	}
	if flush != nil {
		defer func() { _ = flush() }()
	}

	drv, err := compute.OpenDriver(f.backend)
	if err != nil {
		return err
	}
	variants, err := bench.LoadVariants(f.kernelDir)
	if err != nil {
		return err
	}

	metrics := bench.NewMetrics()
	res, err := bench.RunBenchmark(ctx, drv, f.device, f.diagnostics, variants, config,
		bench.WithLogger(logger), bench.WithMetrics(metrics))
	if f.metricsFile != "" {
		// metrics of a failed run are still written
		err = multierr.Append(err, metrics.WriteTextfile(f.metricsFile))
	}
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if f.output != "" {
		var file *os.File
		if file, err = os.Create(f.output); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, file.Close()) }()
		w = file
	}
	return bench.EncodeReport(w, res.Report())
}

func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the compiled-in compute drivers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range compute.Drivers() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List the lock variants in run order",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range bench.VariantNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
