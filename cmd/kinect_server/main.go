package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/depthwire/kinectwrapper/internal/config"
	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/driver"
	"github.com/depthwire/kinectwrapper/internal/logging"
	"github.com/depthwire/kinectwrapper/internal/monitor"
	intOtel "github.com/depthwire/kinectwrapper/internal/otel"
	"github.com/depthwire/kinectwrapper/internal/server"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// BuildVersion and BuildDate can be set at build time via ldflags.
var (
	BuildVersion = "0.0.1"
	BuildDate    = "unknown"
)

const serviceName = "kinect_server"

var (
	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger

	// OTelProvider handles OpenTelemetry log export
	OTelProvider *intOtel.Provider

	LogFile *os.File

	// KinectServer is the running server, nil until created
	KinectServer *server.Server

	SessionStartTime = time.Now()
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func parseFlags() (*pflag.FlagSet, string) {
	fs := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	configDir := fs.String("config", ".", "directory holding "+config.ServerFile)
	fs.String("name", "", "server name, prefix of every port")
	fs.Int("period", 0, "acquisition period in milliseconds")
	fs.String("info", "", "info mode: all_info, depth, depth_players, depth_rgb, depth_rgb_players, depth_joints")
	fs.Int("imgWidth", 0, "published color width")
	fs.Int("imgHeight", 0, "published color height")
	fs.Bool("seatedMode", false, "track upper body only")
	fs.Bool("remap", false, "register depth to color")
	fs.String("device", "", "sensor model: kinect or xtion")
	fs.String("driver", "", "driver variant: sdk or openni")
	fs.IntP("verbosity", "v", 0, "0 warn, 1 info, 2 debug")
	fs.String("transport.carrier", "", "ws or mqtt")
	fs.String("transport.listen", "", "websocket listen address")
	fs.String("transport.broker", "", "mqtt broker URL")
	fs.Bool("recorder.enabled", false, "record skeletons to a database")
	fs.Bool("influx.enabled", false, "write tick reports to InfluxDB")
	_ = fs.Parse(os.Args[1:])
	return fs, *configDir
}

func run() error {
	fs, configDir := parseFlags()

	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(logging.Options{Level: "info"})
	Logger = SlogManager.Logger()

	if err := config.Load(configDir, config.ServerFile); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Info("Loaded config", "file", viper.ConfigFileUsed())
	}
	config.ApplyFlags(fs)
	cfg := config.GetServerConfig()

	setupLogging(cfg)
	Logger.Info("Starting up...", "version", BuildVersion, "build", BuildDate)

	kind := driver.Kind(cfg.Driver)
	drv, err := driver.New(kind, driver.NewSimulatedFor(kind), driver.WithLogger(Logger.With("component", "driver")))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	carrier, err := newCarrier(ctx, config.GetTransportConfig())
	if err != nil {
		return fmt.Errorf("failed to set up carrier: %w", err)
	}

	dispatcherLogger := logging.NewDispatcherLogger(
		logging.Sampled(logging.NewZerolog(logOutput(), logging.VerbosityLevel(cfg.Verbosity), "dispatcher")))
	disp, err := dispatcher.New(dispatcherLogger)
	if err != nil {
		carrier.Close()
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	s, err := server.New(drv, carrier, disp, Logger)
	if err != nil {
		carrier.Close()
		return err
	}
	KinectServer = s

	sk, err := setupSinks(ctx, disp, cfg)
	if err != nil {
		Logger.Error("Failed to set up sinks", "error", err)
	}

	mode, err := core.ParseInfoMode(cfg.Info)
	if err != nil {
		return errors.Join(err, sk.Close(), carrier.Close())
	}
	device, err := core.ParseDeviceKind(cfg.Device)
	if err != nil {
		return errors.Join(err, sk.Close(), carrier.Close())
	}

	err = s.Open(server.Config{
		Name:      cfg.Name,
		Period:    cfg.Period,
		Mode:      mode,
		ImgWidth:  cfg.ImgWidth,
		ImgHeight: cfg.ImgHeight,
		Seated:    cfg.SeatedMode,
		Remap:     cfg.Remap,
		Device:    device,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to open server: %w", err), sk.Close(), carrier.Close())
	}

	status := startMonitor(s, sk)

	<-ctx.Done()
	Logger.Info("Shutting down...")

	if status != nil {
		status.Stop()
	}
	err = s.Close()
	disp.Close()
	err = errors.Join(err, sk.Close(), carrier.Close())
	shutdownLogging()
	return err
}

// startMonitor writes the server status next to the logs every second.
func startMonitor(s *server.Server, sk *sinks) *monitor.Service {
	deps := monitor.Dependencies{
		Server:     s,
		Logger:     Logger,
		StatusFile: filepath.Join(viper.GetString("logsDir"), "status.json"),
	}
	if sk.recorder != nil {
		deps.Recorder = sk.recorder
	}
	if sk.influx != nil {
		deps.Influx = sk.influx
	}
	svc := monitor.NewService(deps)
	if err := svc.Start(); err != nil {
		Logger.Warn("Status monitor not started", "error", err)
		return nil
	}
	return svc
}

// setupLogging re-creates the logger with the log file, Graylog and OTel
// sinks. Records carry the server name and, once running, its tick.
func setupLogging(cfg config.ServerConfig) {
	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		Logger.Warn("Failed to create logs dir", "error", err, "path", logsDir)
	} else {
		path := logging.LogFilePath(logsDir, serviceName, SessionStartTime)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			Logger.Error("Failed to create/open log file!", "error", err, "path", path)
		} else {
			LogFile = f
			Logger.Info("Begin logging in logs directory", "path", path)
		}
	}

	var gelfWriter io.Writer
	if gc := config.GetGraylogConfig(); gc.Enabled {
		w, err := logging.NewGelfWriter(gc.Address, serviceName)
		if err != nil {
			Logger.Error("Failed to connect to Graylog", "error", err)
		} else {
			gelfWriter = w
		}
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		var err error
		OTelProvider, err = intOtel.New(intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			Version:      BuildVersion,
			Instance:     cfg.Name,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    fileWriter(),
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			Logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			Logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	opts := logging.Options{
		Level:     viper.GetString("logLevel"),
		Verbosity: cfg.Verbosity,
		File:      fileWriter(),
		Gelf:      gelfWriter,
		Scope:     serviceName,
		Context: func() []slog.Attr {
			attrs := []slog.Attr{slog.String("server", cfg.Name)}
			if KinectServer != nil {
				attrs = append(attrs, slog.Uint64("tick", KinectServer.Seq()))
			}
			return attrs
		},
	}
	if OTelProvider != nil {
		opts.Provider = OTelProvider.LoggerProvider()
	}
	SlogManager.Setup(opts)
	Logger = SlogManager.Logger()
	slog.SetDefault(Logger)
}

// fileWriter returns the log file, or nil when there is none.
func fileWriter() io.Writer {
	if LogFile == nil {
		return nil
	}
	return LogFile
}

func logOutput() io.Writer {
	if LogFile != nil {
		return LogFile
	}
	return os.Stdout
}

func shutdownLogging() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SlogManager.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flush logs: %v\n", err)
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
	}
	if LogFile != nil {
		LogFile.Close()
	}
}
