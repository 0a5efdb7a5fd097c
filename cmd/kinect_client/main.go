package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/depthwire/kinectwrapper/internal/client"
	"github.com/depthwire/kinectwrapper/internal/config"
	"github.com/depthwire/kinectwrapper/internal/logging"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/internal/transport/mqtt"
	"github.com/depthwire/kinectwrapper/internal/transport/websocket"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

const (
	serviceName  = "kinect_client"
	pollPeriod   = 10 * time.Millisecond
	printEvery   = 100
	snapshotEach = 500
	probeU       = 160
	probeV       = 120
)

var (
	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func parseFlags() (*pflag.FlagSet, string) {
	fs := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	configDir := fs.String("config", ".", "directory holding "+config.ClientFile)
	fs.String("remote", "", "server name to connect to")
	fs.String("local", "", "local client name")
	fs.IntP("verbosity", "v", 0, "0 warn, 1 info, 2 debug")
	fs.String("snapshotDir", "", "write PNG snapshots to this directory")
	fs.String("transport.carrier", "", "ws or mqtt")
	fs.String("transport.serverUrl", "", "websocket server URL")
	fs.String("transport.broker", "", "mqtt broker URL")
	_ = fs.Parse(os.Args[1:])
	return fs, *configDir
}

func run() error {
	fs, configDir := parseFlags()

	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(logging.Options{Level: "info"})
	Logger = SlogManager.Logger()

	if err := config.Load(configDir, config.ClientFile); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	}
	config.ApplyFlags(fs)
	cfg := config.GetClientConfig()

	SlogManager.Setup(logging.Options{Level: viper.GetString("logLevel"), Verbosity: cfg.Verbosity})
	Logger = SlogManager.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	carrier, err := newCarrier(ctx, config.GetTransportConfig(), cfg.Local)
	if err != nil {
		return fmt.Errorf("failed to set up carrier: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sess, err := client.Connect(connectCtx, client.Options{
		Remote:  cfg.Remote,
		Local:   cfg.Local,
		Carrier: carrier,
		Logger:  Logger,
	})
	cancel()
	if err != nil {
		return errors.Join(err, carrier.Close())
	}
	defer sess.Close()

	fmt.Printf("connected to %s: %+v\n", cfg.Remote, sess.Info())
	return poll(ctx, sess, cfg.SnapshotDir)
}

// poll reads the depth stream every pollPeriod and prints the 3D point at
// the image center every printEvery frames.
func poll(ctx context.Context, sess *client.Session, snapshotDir string) error {
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	frames := 0
	for {
		select {
		case <-ctx.Done():
			Logger.Info("Stopping", "frames", frames)
			return nil
		case <-ticker.C:
		}

		img, st, ok := sess.DepthImage()
		if !ok {
			continue
		}
		frames++

		if frames%printEvery == 0 {
			p, err := sess.Project3D(ctx, probeU, probeV)
			if err != nil {
				Logger.Warn("get3D failed", "error", err)
			} else {
				fmt.Printf("seq=%d t=%.3f (%d,%d) -> x=%.3f y=%.3f z=%.3f\n",
					st.Seq, st.Time, probeU, probeV, p.X, p.Y, p.Z)
			}
		}

		if snapshotDir != "" && frames%snapshotEach == 1 {
			if err := snapshot(sess, snapshotDir, st, img); err != nil {
				Logger.Warn("Snapshot failed", "error", err)
			}
		}
	}
}

func snapshot(sess *client.Session, dir string, st core.Stamp, depth image.Image) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writePNG(filepath.Join(dir, fmt.Sprintf("depth_%06d.png", st.Seq)), depth); err != nil {
		return err
	}
	if sess.Info().Mode.HasJoints() {
		if img, _, ok := sess.SkeletonImage(); ok {
			if err := writePNG(filepath.Join(dir, fmt.Sprintf("skeleton_%06d.png", st.Seq)), img); err != nil {
				return err
			}
		}
	}
	Logger.Debug("Snapshot written", "seq", st.Seq, "dir", dir)
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

func newCarrier(ctx context.Context, tc config.TransportConfig, local string) (transport.Client, error) {
	switch tc.Carrier {
	case "ws", "websocket":
		return websocket.NewDialer(tc.ServerURL, local, Logger), nil
	case "mqtt":
		clientID := uuid.New().String()
		conn, _, err := mqtt.Connect(ctx, mqtt.Config{Broker: tc.Broker, ClientID: clientID, Logger: Logger})
		if err != nil {
			return nil, err
		}
		c, err := mqtt.NewClient(ctx, conn, local, clientID, Logger)
		if err != nil {
			conn.Disconnect(250)
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown carrier %q", tc.Carrier)
}
