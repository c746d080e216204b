package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/device"
	"github.com/Alia5/usbreplay/internal/log"
	"github.com/Alia5/usbreplay/internal/metrics"
	"github.com/Alia5/usbreplay/internal/server/usb"
	"github.com/Alia5/usbreplay/internal/util"
	"github.com/Alia5/usbreplay/virtualbus"
)

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `help:"Metrics and health listen address; disabled when empty" default:"" env:"USBREPLAY_METRICS_ADDR"`
}

type Serve struct {
	Captures        []string         `arg:"" optional:"" name:"capture" help:"Capture files (pcap, pcapng) or directories holding them" type:"path" default:"captures"`
	BusID           string           `help:"Bus id the emulated device is exported under" default:"1-1" env:"USBREPLAY_BUS_ID"`
	Speed           string           `help:"Speed reported to clients" enum:"low,full,high" default:"full" env:"USBREPLAY_SPEED"`
	ReplayEndpoints bool             `help:"Answer non-control endpoint transfers from the captures" env:"USBREPLAY_REPLAY_ENDPOINTS"`
	Decay           float64          `help:"Positional weight ratio of the match distance" default:"0.85" env:"USBREPLAY_DECAY"`
	UsbServerConfig usb.ServerConfig `embed:"" prefix:"usb."`
	Metrics         MetricsConfig    `embed:"" prefix:"metrics."`
}

var speeds = map[string]uint32{
	"low":  device.SpeedLow,
	"full": device.SpeedFull,
	"high": device.SpeedHigh,
}

// Run is called by Kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	return s.StartServer(context.Background(), logger, rawLogger)
}

// Device ingests the captures and builds the emulated device.
func (s *Serve) Device(logger *slog.Logger, m *metrics.Metrics) (*device.Device, error) {
	if s.Decay <= 0 || s.Decay > 1 {
		return nil, fmt.Errorf("decay must be in (0, 1], got %v", s.Decay)
	}
	speed, ok := speeds[s.Speed]
	if !ok {
		speed = device.SpeedFull
	}
	corpus, err := loadCorpus(logger, s.Captures...)
	if err != nil {
		return nil, err
	}
	m.SetCorpusPairs(corpus.Len())

	opts := []device.Option{
		device.WithSpeed(speed),
		device.WithMatcher(analysis.Matcher{Decay: s.Decay}),
		device.WithObserver(device.LogObserver{Logger: logger}),
	}
	if m != nil {
		opts = append(opts, device.WithObserver(m))
	}
	if s.ReplayEndpoints {
		opts = append(opts, device.WithReplayEndpoints())
	}
	dev := device.New(corpus, opts...)
	logRecovered(logger, dev.Profile().Descriptors, corpus.Len())
	return dev, nil
}

// StartServer serves the emulated device until ctx is done, a termination
// signal arrives or a server fails.
func (s *Serve) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	busID, err := virtualbus.ParseBusID(s.BusID)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	dev, err := s.Device(logger, m)
	if err != nil {
		return err
	}
	registry := virtualbus.New()
	if _, err := registry.Add(busID, dev); err != nil {
		return err
	}

	info := dev.Info()
	logger.Info("Starting usbreplay USB-IP server",
		"addr", s.UsbServerConfig.Addr,
		"busid", busID.String(),
		"vid", fmt.Sprintf("%04x", info.Device.IDVendor),
		"pid", fmt.Sprintf("%04x", info.Device.IDProduct))

	usbSrv := usb.New(s.UsbServerConfig, registry, logger, rawLogger)
	usbSrv.SetMetrics(m)

	var g run.Group
	g.Add(usbSrv.ListenAndServe, func(error) {
		_ = usbSrv.Close()
	})

	if s.Metrics.Addr != "" {
		l, err := net.Listen("tcp", s.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.Metrics.Addr, err)
		}
		httpSrv := &http.Server{Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		logger.Info("Serving metrics", "addr", l.Addr().String())
		g.Add(func() error {
			if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server exited unexpectedly: %w", err)
			}
			return nil
		}, func(error) {
			_ = httpSrv.Close()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if util.IsRunFromGUI() {
		go func() {
			<-usbSrv.Ready()
			time.Sleep(250 * time.Millisecond)
			util.HideConsoleWindow()
		}()
	}

	return shutdownError(logger, g.Run())
}

// shutdownError treats a signal or a cancelled context as a clean exit.
func shutdownError(logger *slog.Logger, err error) error {
	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		logger.Info("Shutting down", "signal", sig.Signal.String())
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("Shutting down")
		return nil
	default:
		return err
	}
}
