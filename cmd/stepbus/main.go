package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shaunagostinho/stepbus/internal/bus"
	"github.com/shaunagostinho/stepbus/internal/gimbal"
	"github.com/shaunagostinho/stepbus/internal/logging"
	"github.com/shaunagostinho/stepbus/internal/metrics"
	"github.com/shaunagostinho/stepbus/internal/motor"
	"github.com/shaunagostinho/stepbus/internal/recorder"
	"github.com/shaunagostinho/stepbus/internal/server"
	"github.com/shaunagostinho/stepbus/internal/sim"
	"github.com/shaunagostinho/stepbus/internal/telemetry"
	"github.com/shaunagostinho/stepbus/internal/transport"
	"github.com/shaunagostinho/stepbus/web"
)

func main() {
	var port string
	var baud int
	flag.StringVar(&port, "port", "", "Serial port (e.g. /dev/ttyUSB0)")
	flag.StringVar(&port, "p", "", "Shorthand for --port")
	flag.IntVar(&baud, "baudrate", 0, fmt.Sprintf("Baud rate (default %d)", transport.DefaultBaudRate))
	flag.IntVar(&baud, "b", 0, "Shorthand for --baudrate")
	configPath := flag.String("config", "/etc/stepbus/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against simulated controllers")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	listPorts := flag.Bool("list", false, "List serial ports and exit")
	flag.Parse()

	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	boot, _ := logging.New(logging.Config{})
	cfg := server.LoadConfig(*configPath, boot)

	if *demo {
		cfg.Serial.Type = "demo"
	}
	if port != "" {
		cfg.Serial.Port = port
	}
	if baud != 0 {
		cfg.Serial.BaudRate = baud
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Fatal("logger", zap.Error(err))
	}
	log.Info("stepbus starting", zap.String("serial", cfg.Serial.Type), zap.String("port", cfg.Serial.Port))

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	code := run(ctx, cfg, log)
	cancel()
	log.Sync()
	os.Exit(code)
}

// run drives the gimbal until ctx ends or the bus is lost. Everything it
// opens is closed before it returns; the result is the exit code.
func run(ctx context.Context, cfg *server.Config, log *zap.Logger) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	link, err := openTransport(ctx, cfg, log)
	if err != nil {
		log.Error("no transport", zap.Error(err))
		return 1
	}

	b := bus.New(link, cfg.Bus.Timing(), bus.WithLogger(log), bus.WithObserver(m))
	defer b.Close()

	axis := func(name string, a server.AxisConfig) (*motor.Motor, error) {
		mc, err := a.Motor(cfg.Profiles)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return motor.New(b, mc, motor.WithLogger(log.With(zap.String("axis", name))), motor.WithObserver(m))
	}
	rot, err := axis("rotate", cfg.Rotate)
	if err != nil {
		log.Error("axis config", zap.Error(err))
		return 1
	}
	tilt, err := axis("tilt", cfg.Tilt)
	if err != nil {
		log.Error("axis config", zap.Error(err))
		return 1
	}
	g := gimbal.New(rot, tilt, cfg.Gimbal.Stagger(), log)
	if err := g.Begin(ctx); err != nil {
		log.Warn("set division failed", zap.Error(err))
	}

	rec := recorder.New(cfg.Recorder, log)
	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m, metrics.Handler(reg)),
		server.WithRecorder(rec),
		server.WithWeb(web.FS),
		server.WithReady(func() bool { return b.Err() == nil }),
	}

	if cfg.Telemetry.Enabled {
		pub, err := telemetry.Dial(ctx, cfg.Telemetry, log)
		if err != nil {
			log.Warn("telemetry disabled", zap.Error(err))
		} else {
			defer pub.Close()
			log.Info("telemetry publishing", zap.String("channel", cfg.Telemetry.Channel), zap.String("session", pub.Session()))
			opts = append(opts, server.WithPublisher(pub))
		}
	}

	// a lost serial link ends the process
	go func() {
		select {
		case <-b.Done():
			log.Error("bus closed", zap.Error(b.Err()))
			cancel()
		case <-ctx.Done():
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(cfg, g, opts...)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	if err := g.Stop(stopCtx); err != nil && !errors.Is(err, bus.ErrBusClosed) {
		log.Warn("final stop failed", zap.Error(err))
	}
	stopCancel()

	select {
	case <-b.Done():
		return 1
	default:
		return 0
	}
}

// openTransport returns the simulator in demo mode, otherwise the serial
// port, retrying until it opens or ctx ends.
func openTransport(ctx context.Context, cfg *server.Config, log *zap.Logger) (transport.Transport, error) {
	if cfg.Serial.Type == "demo" {
		log.Info("demo mode, simulating controllers")
		return sim.New(sim.Options{}, byte(cfg.Rotate.ID), byte(cfg.Tilt.ID)).Transport(), nil
	}

	var port *transport.Serial
	err := connectWithRetry(ctx, log.Named("serial"), 10, func() error {
		p, err := transport.OpenSerial(cfg.Serial.SerialPort())
		if err != nil {
			return err
		}
		port = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("serial open", zap.String("port", port.PortName()), zap.Int("baud", cfg.Serial.BaudRate))
	return port, nil
}

// connectWithRetry calls connect with exponential backoff, starting at
// 1s and doubling up to 60s. Attempts past maxAttempts keep going at the
// maximum interval. It only gives up when ctx ends.
func connectWithRetry(ctx context.Context, log *zap.Logger, maxAttempts int, connect func() error) error {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect()
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt+1))
			return nil
		}

		attempt++
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			log.Warn("connect failed", append(fields, zap.Int("max_attempts", maxAttempts))...)
		} else {
			log.Warn("connect failed", fields...)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
