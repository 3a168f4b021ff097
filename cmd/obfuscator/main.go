package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/classpath"
	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/hierarchy"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
	"github.com/jar-obfuscator/jobf-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type options struct {
	jarIn       string
	jarOut      string
	configPath  string
	mappingPath string
	metricsFile string
	verbose     bool
	version     bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// .env 不存在时忽略
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("obfuscator", pflag.ContinueOnError)
	var opts options
	flags.StringVar(&opts.jarIn, "jarIn", "", "input archive")
	flags.StringVar(&opts.jarOut, "jarOut", "", "output archive")
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.StringVar(&opts.mappingPath, "mapping", "", "write the rename table as text")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics in textfile format")
	flags.StringSlice("libraries", nil, "library archives or directories (comma separated)")
	flags.Int("threads", 0, "worker threads (0 = number of CPUs)")
	flags.Bool("strict", false, "fail when a referenced class is missing")
	flags.String("log-level", "info", "log level")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&opts.version, "version", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if opts.version {
		fmt.Printf("jobf %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return 0
	}
	if opts.jarIn == "" || opts.jarOut == "" {
		fmt.Fprintln(os.Stderr, "--jarIn and --jarOut are required")
		flags.PrintDefaults()
		return 2
	}

	cfg, err := config.Load(opts.configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	logger := config.InitLogger(&cfg.Log)
	cfg.Normalize(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := obfuscate(ctx, cfg, opts, logger); err != nil {
		logFailure(logger, err)
		return 1
	}
	return 0
}

func obfuscate(ctx context.Context, cfg *config.Config, opts options, logger *logrus.Logger) error {
	start := time.Now()
	oc := &cfg.Obfuscation

	var m *metrics.Metrics
	if opts.metricsFile != "" {
		m = metrics.New(logger, "")
	}

	compression, err := archive.ParseCompression(oc.Compression)
	if err != nil {
		return err
	}

	loader, err := classpath.NewLoader(oc.Threads, oc.Classpath.CacheSize, logger)
	if err != nil {
		return err
	}
	orchestrator, err := worker.NewOrchestrator(oc, loader, m, logger)
	if err != nil {
		return err
	}

	entries, err := archive.ReadFile(opts.jarIn)
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.jarIn, err)
	}

	result, err := orchestrator.Run(ctx, entries, func(step string, progress int) {
		logger.WithFields(logrus.Fields{"step": step, "progress": progress}).Debug("Progress")
	})
	if err != nil {
		return err
	}

	if err := archive.WriteFile(opts.jarOut, result.Entries(), compression); err != nil {
		return fmt.Errorf("write %s: %w", opts.jarOut, err)
	}

	if opts.mappingPath != "" {
		if err := writeMapping(opts.mappingPath, result); err != nil {
			return err
		}
	}

	classes, methods, fields := result.Mapping.Counts()
	logger.WithFields(logrus.Fields{
		"input":           opts.jarIn,
		"output":          opts.jarOut,
		"classes":         result.Stats.Classes,
		"library_classes": result.Stats.LibraryClasses,
		"resources":       result.Stats.Resources,
		"renamed_classes": classes,
		"renamed_methods": methods,
		"renamed_fields":  fields,
		"stage_failures":  result.Stats.StageFailures,
		"entry_point":     result.EntryPoint,
		"duration":        time.Since(start).String(),
	}).Info("Obfuscation finished")

	if m != nil {
		if err := m.WriteTextfile(opts.metricsFile); err != nil {
			logger.WithError(err).Warn("Failed to write metrics file")
		}
	}
	return nil
}

func writeMapping(path string, result *worker.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create mapping file: %w", err)
	}
	if _, err := result.Mapping.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write mapping file: %w", err)
	}
	return f.Close()
}

// logFailure 按错误类型输出可操作的提示
func logFailure(logger *logrus.Logger, err error) {
	var missing *hierarchy.MissingClassError
	switch {
	case errors.As(err, &missing):
		logger.WithFields(logrus.Fields{
			"missing":       missing.Missing,
			"referenced_in": missing.ReferencedIn,
		}).Error("Missing class in strict mode, add the archive that defines it to --libraries")
	case errors.Is(err, hierarchy.ErrCyclicHierarchy):
		logger.WithError(err).Error("Input contains a cyclic class hierarchy")
	case errors.Is(err, context.Canceled):
		logger.Warn("Interrupted")
	default:
		logger.WithError(err).Error("Obfuscation failed")
	}
}
