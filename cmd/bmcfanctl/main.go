package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/bmcfanctl/internal/config"
	"codeberg.org/mutker/bmcfanctl/internal/curve"
	"codeberg.org/mutker/bmcfanctl/internal/engine"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/gpu"
	"codeberg.org/mutker/bmcfanctl/internal/ipmi"
	"codeberg.org/mutker/bmcfanctl/internal/journal"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/pid"
	"codeberg.org/mutker/bmcfanctl/internal/telemetry"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := checkDependencies(cfg); err != nil {
		logError(err, "Missing dependency")
		return 1
	}

	fanCurve, err := curve.New(cfg.ActivateThreshold, cfg.MaxTempThreshold, cfg.MinFanSpeedTarget, cfg.CurveResolution)
	if err != nil {
		logError(err, "Invalid fan curve")
		return 1
	}

	if err := pid.Write(cfg.PIDFile); err != nil {
		logError(err, "Failed to write PID file")
		return 1
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	recorder, err := newRecorder(cfg)
	if err != nil {
		logError(err, "Failed to open control journal")
		return 1
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close control journal")
		}
	}()

	log := logger.Default()
	queue := telemetry.NewQueue(cfg.Telemetry.QueueSize)
	reader := telemetry.NewReader(newSource(cfg, log.With("telemetry")), queue, log.With("reader"))
	ctl := engine.New(cfg, fanCurve, newSink(cfg, log.With("ipmi")), queue, reader, log.With("engine"),
		engine.WithRecorder(recorder))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	logger.Info().
		Int("activate_threshold", cfg.ActivateThreshold).
		Int("idle_temp_target", cfg.IdleTempTarget).
		Int("max_temp_threshold", cfg.MaxTempThreshold).
		Int("min_fan_speed_target", cfg.MinFanSpeedTarget).
		Ints("ignored_gpus", cfg.IgnoredGPUs).
		Str("telemetry_source", cfg.Telemetry.Source).
		Msg("Starting fan controller")

	startErr := reader.Start()
	if startErr != nil {
		logError(startErr, "Failed to start telemetry source")
	}

	code := ctl.Run(ctx)

	if err := reader.Err(); err != nil && startErr == nil {
		logger.Warn().Err(err).Msg("Telemetry source ended with an error")
	}
	if dropped := queue.Dropped(); dropped > 0 {
		logger.Warn().Uint64("dropped_lines", dropped).Msg("Telemetry queue overflowed")
	}
	if startErr != nil {
		code = 1
	}

	logger.Info().Int("exit_code", code).Msg("Exiting...")
	return code
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// checkDependencies runs before anything touches the BMC.
func checkDependencies(cfg *config.Config) error {
	errFactory := errors.New()

	binaries := []string{ipmi.Binary}
	if cfg.Telemetry.Source == config.SourceSMI {
		binaries = append(binaries, telemetry.SMIBinary)
	}

	for _, bin := range binaries {
		if _, err := exec.LookPath(bin); err != nil {
			return errFactory.Wrap(errors.ErrMissingDependency, err).WithData(bin)
		}
	}

	return nil
}

func newRecorder(cfg *config.Config) (journal.Recorder, error) {
	jcfg := journal.DefaultConfig()
	jcfg.Enabled = cfg.Journal.Enabled
	jcfg.DBPath = cfg.Journal.Path

	return journal.NewService(jcfg, logger.Default().With("journal"))
}

func newSink(cfg *config.Config, log logger.Logger) ipmi.Sink {
	var opts []ipmi.Option
	if cfg.IPMI.Host != "" {
		opts = append(opts, ipmi.WithRemote(ipmi.Remote{
			Host:     cfg.IPMI.Host,
			User:     cfg.IPMI.User,
			Password: cfg.IPMI.Password,
		}))
	}
	return ipmi.New(log, opts...)
}

func newSource(cfg *config.Config, log logger.Logger) telemetry.Source {
	if cfg.Telemetry.Source == config.SourceNVML {
		return telemetry.NewNVMLSource(gpu.New(gpu.NVML(), log), cfg.TelemetryInterval(), log)
	}
	return telemetry.NewSMISource(cfg.TelemetryInterval())
}

func logError(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
