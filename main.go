package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adaricorp/ping-logger/monitor"
	"github.com/adaricorp/ping-logger/probe"
	"github.com/adaricorp/ping-logger/rotate"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"
)

const (
	binName = "ping_logger"
)

// Exit codes, in order: success, configuration error, prober setup error,
// probe log error.
const (
	exitOK = iota
	exitConfig
	exitProbe
	exitSink
)

var (
	configFilePath *string
	logFilePath    *string
	logger         *slog.Logger
	logLevel       *string
	probeInterval  *string
	slogLevel      *slog.LevelVar = new(slog.LevelVar)
	targetHost     *string

	probers = map[string]proberFactory{
		"http": newHTTPProber,
		"icmp": newICMPProber,
		"tcp":  newTCPProber,
	}
)

// proberFactory builds the prober named in the configuration around the
// shared resolver.
type proberFactory func(
	cfg ProbeConfiguration,
	resolver *probe.Resolver,
	logger *slog.Logger,
) (probe.Prober, error)

func newICMPProber(
	cfg ProbeConfiguration,
	resolver *probe.Resolver,
	logger *slog.Logger,
) (probe.Prober, error) {
	return probe.NewPinger(probeConfig(cfg), resolver, logger)
}

func newTCPProber(
	cfg ProbeConfiguration,
	resolver *probe.Resolver,
	logger *slog.Logger,
) (probe.Prober, error) {
	return probe.NewDialer(probeConfig(cfg), resolver, logger)
}

func newHTTPProber(
	cfg ProbeConfiguration,
	resolver *probe.Resolver,
	logger *slog.Logger,
) (probe.Prober, error) {
	return probe.NewHTTPProber(probeConfig(cfg), resolver, logger)
}

func probeConfig(cfg ProbeConfiguration) probe.Config {
	return probe.Config{
		Bind4:       cfg.Bind4,
		Bind6:       cfg.Bind6,
		Privileged:  cfg.Privileged,
		PayloadSize: cfg.PayloadSize,
		Timeout:     cfg.Timeout,
		TCPPort:     cfg.TCPPort,
		HTTPURL:     cfg.HTTPURL,
		HTTPMethod:  cfg.HTTPMethod,
	}
}

// Print program usage
func printUsage(fs ff.Flags) {
	fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
}

// Print program version
func printVersion() {
	fmt.Printf("%s v%s built on %s\n", binName, version.Version, version.BuildDate)
	os.Exit(0)
}

// parseFlags fills the flag variables from args and the environment.
func parseFlags(args []string) error {
	fs := ff.NewFlagSet(binName)
	displayVersion := fs.BoolLong("version", "Print version")
	configFilePath = fs.StringLong(
		"config-file",
		"ping-logger.yml",
		"Path to configuration file",
	)
	targetHost = fs.StringLong(
		"target",
		"",
		"Probe target, overrides the configuration file",
	)
	probeInterval = fs.StringLong(
		"interval",
		"",
		"Probe interval (e.g. 5s), overrides the configuration file",
	)
	logFilePath = fs.StringLong(
		"log-file",
		"",
		"Path to probe log file, overrides the configuration file",
	)
	logLevel = fs.StringEnumLong(
		"log-level",
		"Log level: debug, info, warn, error",
		"info",
		"debug",
		"error",
		"warn",
	)

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(strings.ToUpper(binName)),
		ff.WithEnvVarSplit(" "),
	)
	if err != nil {
		printUsage(fs)
		return err
	}

	if *displayVersion {
		printVersion()
	}

	return nil
}

func setupLogging() {
	switch *logLevel {
	case "debug":
		slogLevel.Set(slog.LevelDebug)
	case "info":
		slogLevel.Set(slog.LevelInfo)
	case "warn":
		slogLevel.Set(slog.LevelWarn)
	case "error":
		slogLevel.Set(slog.LevelError)
	}

	// Diagnostics go to stderr, the probe log file is the data channel.
	logger = slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slogLevel,
		}),
	)
	slog.SetDefault(logger)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := parseFlags(args); err != nil {
		return exitConfig
	}
	setupLogging()

	ctx, stop := shutdownContext(logger)
	defer stop()

	config, err := buildConfig()
	if err != nil {
		logger.Error(
			"Invalid configuration",
			"config_file",
			*configFilePath,
			"error",
			err.Error(),
		)
		return exitConfig
	}

	if config.ProbeConfiguration.Timeout > config.ProbeConfiguration.Interval {
		logger.Warn(
			"Probe timeout exceeds probe interval, clamping",
			"timeout",
			config.ProbeConfiguration.Timeout.String(),
			"interval",
			config.ProbeConfiguration.Interval.String(),
		)
		config.ProbeConfiguration.Timeout = config.ProbeConfiguration.Interval
	}

	logger.Info(
		"Starting prober",
		"target",
		config.Target,
		"probe",
		config.ProbeConfiguration.Probe,
		"interval",
		config.ProbeConfiguration.Interval.String(),
		"log_file",
		config.LogConfiguration.File,
	)

	resolver := probe.NewResolver(config.Target, config.ProbeConfiguration.ResolveEvery)

	resolveCtx, cancelResolve := context.WithTimeout(ctx, config.ProbeConfiguration.Timeout)
	_, err = resolver.Addrs(resolveCtx)
	cancelResolve()
	if err != nil {
		// Resolution is retried on every probe, starting without
		// addresses only costs failed probe records.
		logger.Warn(
			"Resolving probe target failed",
			"target",
			config.Target,
			"error",
			err.Error(),
		)
	}

	prober, err := probers[config.ProbeConfiguration.Probe](
		config.ProbeConfiguration,
		resolver,
		logger,
	)
	if err != nil {
		logger.Error(
			"Couldn't create prober",
			"probe",
			config.ProbeConfiguration.Probe,
			"error",
			err.Error(),
		)
		return exitProbe
	}
	defer prober.Close()

	sink, err := rotate.New(rotate.Config{
		Path:     config.LogConfiguration.File,
		MaxSize:  config.LogConfiguration.MaxSize,
		MaxAge:   config.LogConfiguration.MaxAge,
		Keep:     config.LogConfiguration.Keep,
		Compress: config.LogConfiguration.Compress,
	}, logger)
	if err != nil {
		logger.Error(
			"Couldn't open probe log",
			"log_file",
			config.LogConfiguration.File,
			"error",
			err.Error(),
		)
		return exitConfig
	}
	// Backstop for the error returns below, closing twice is harmless.
	defer sink.Close()

	mon := monitor.New(monitor.Config{
		Target:   config.Target,
		Interval: config.ProbeConfiguration.Interval,
		Timeout:  config.ProbeConfiguration.Timeout,
	}, prober, sink, logger)

	if err := mon.Run(ctx); err != nil {
		logger.Error(
			"Probe log is no longer writable",
			"log_file",
			config.LogConfiguration.File,
			"error",
			err.Error(),
		)
		return exitSink
	}

	if err := sink.Close(); err != nil {
		logger.Error(
			"Couldn't flush probe log",
			"log_file",
			config.LogConfiguration.File,
			"error",
			err.Error(),
		)
		return exitSink
	}

	logger.Info("Shutdown complete", "target", config.Target)

	return exitOK
}

// buildConfig loads the configuration file, lays the flag overrides on top
// of it and validates the result.
func buildConfig() (Config, error) {
	config, err := loadConfig(*configFilePath)
	if err != nil {
		return config, err
	}

	if *targetHost != "" {
		config.Target = *targetHost
	}
	if *probeInterval != "" {
		interval, err := time.ParseDuration(*probeInterval)
		if err != nil {
			return config, fmt.Errorf("Could not parse probe interval: %s", *probeInterval)
		}
		config.ProbeConfiguration.Interval = interval
	}
	if *logFilePath != "" {
		config.LogConfiguration.File = *logFilePath
	}

	if err := config.validate(); err != nil {
		return config, err
	}

	return config, nil
}

// loadConfig reads the configuration file on top of the defaults. A missing
// file is not an error, flags and defaults carry a file-less setup.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	configFile, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn(
				"Configuration file not found, using defaults",
				"config_file",
				path,
			)
			return config, nil
		}
		return config, err
	}

	if err := yaml.Unmarshal(configFile, &config); err != nil {
		return config, err
	}

	return config, nil
}

// shutdownContext returns a context cancelled by the first SIGINT or
// SIGTERM. Later signals are logged and ignored so a second ctrl-c does not
// cut the final flush short.
func shutdownContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	exitSignal := make(chan os.Signal, 1)
	signal.Notify(exitSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig, ok := <-exitSignal
		if !ok {
			return
		}
		logger.Info("Shutting down", "signal", sig.String())
		cancel()

		for sig = range exitSignal {
			logger.Info("Shutdown already in progress", "signal", sig.String())
		}
	}()

	stop := func() {
		signal.Stop(exitSignal)
		close(exitSignal)
		cancel()
	}

	return ctx, stop
}
