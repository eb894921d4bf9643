package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	goruntime "runtime"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/ensemble/device"
	"github.com/sbl8/ensemble/logging"
	"github.com/sbl8/ensemble/runtime"
)

func main() {
	var (
		config    = flag.String("config", "", "YAML options file")
		streams   = flag.Int("streams", 4, "Number of independent ensemble members, one per stream")
		agents    = flag.Int("agents", 1000, "Initial agents per stream")
		steps     = flag.Int("steps", 50, "Steps to simulate")
		width     = flag.Float64("width", 100, "Side length of the square domain")
		radius    = flag.Float64("radius", 2, "Interaction radius")
		seed      = flag.Int64("seed", 1, "Base random seed; stream s uses seed+s")
		workers   = flag.Int("workers", 0, "Kernel launch width (overrides config)")
		logLevel  = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
		logFormat = flag.String("log-format", "text", "text or json")
		metrics   = flag.Bool("metrics", false, "Print Prometheus metrics on exit")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("ensemblerun - Ensemble Runtime v1.0.0")
		fmt.Printf("Built with Go %s\n", goruntime.Version())
		return
	}

	opts := runtime.DefaultOptions()
	if *config != "" {
		var err error
		if opts, err = runtime.LoadOptions(*config); err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	if *workers > 0 {
		opts.Workers = *workers
	}
	if *logLevel != "" {
		opts.LogLevel = *logLevel
	}
	opts.Metrics = opts.Metrics || *metrics
	if *streams < 1 || *streams > opts.MaxStreams {
		log.Fatalf("streams must be in [1, %d], got %d", opts.MaxStreams, *streams)
	}

	logger := logging.New(&logging.Config{Level: logging.ParseLevel(opts.LogLevel), Format: *logFormat})

	var promReg *prometheus.Registry
	regOpts := []runtime.RegistryOption{runtime.WithOptions(opts), runtime.WithLogger(logger)}
	if opts.Metrics {
		promReg = prometheus.NewRegistry()
		m, err := runtime.NewPrometheusMetrics(promReg)
		if err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		regOpts = append(regOpts, runtime.WithMetrics(m))
	}

	dev := device.New(device.WithWorkers(opts.Workers), device.WithCapacity(opts.DeviceCapacity))
	reg, err := runtime.NewRegistry(dev, regOpts...)
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := runConfig{
		agents: *agents,
		steps:  *steps,
		width:  float32(*width),
		radius: float32(*radius),
		seed:   *seed,
	}
	reports, err := runEnsemble(ctx, reg, *streams, cfg, logger)
	if err != nil {
		log.Fatalf("Ensemble failed: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "stream\tpopulation\tbirths\tdeaths\timmigrants\tmax density\tmean energy\t")
	for _, r := range reports {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%.0f\t%.2f\t\n",
			r.stream, r.population, r.births, r.deaths, r.immigrants, r.maxDensity, r.meanEnergy)
	}
	tw.Flush()
	fmt.Printf("\nDevice peak %d bytes over %d allocations\n", dev.Peak(), dev.Allocations())

	if promReg != nil {
		families, err := promReg.Gather()
		if err != nil {
			log.Fatalf("Failed to gather metrics: %v", err)
		}
		fmt.Println()
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
				log.Fatalf("Failed to write metrics: %v", err)
			}
		}
	}
}

// runEnsemble simulates one population per stream concurrently. The
// session is closed before returning, which releases every stream.
func runEnsemble(ctx context.Context, reg *runtime.Registry, streams int, cfg runConfig, logger logging.Logger) ([]report, error) {
	sess := reg.Attach()
	defer sess.Close()
	logger.Info("ensemble starting", "session", sess.ID().String(), "streams", streams, "agents", cfg.agents, "steps", cfg.steps)

	layout := reg.Layout(agentSchema)
	reports := make([]report, streams)
	engines := make([]*runtime.Engine, streams)
	for s := range engines {
		eng, err := sess.Engine(s)
		if err != nil {
			return nil, err
		}
		engines[s] = eng
	}

	g, ctx := errgroup.WithContext(ctx)
	for s, eng := range engines {
		member := cfg
		member.seed += int64(s)
		g.Go(func() error {
			x, err := newEnsemble(eng, member, layout, logger)
			if err != nil {
				return fmt.Errorf("stream %d: %w", s, err)
			}
			reports[s], err = x.run(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, r := range reports {
		logger.Info("stream finished", "stream", r.stream, "population", r.population)
	}
	return reports, nil
}
