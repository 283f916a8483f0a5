// Command mountcore-demo wires one mountctl.Controller around either the
// in-process kinematic simulator or a real SkyWatcher mount reached over
// serial, and exposes it through the diagnostics HTTP+WebSocket surface.
// It is a demonstration harness, not a deployment artifact: production
// integrations embed internal/mountctl directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darkdragonsastro/mountcore/internal/backend/simbackend"
	"github.com/darkdragonsastro/mountcore/internal/backend/skywatcher"
	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/diagnostics"
	"github.com/darkdragonsastro/mountcore/internal/eventbus"
	"github.com/darkdragonsastro/mountcore/internal/mountctl"
	"github.com/darkdragonsastro/mountcore/internal/pec"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/transport"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// demoConfig is the on-disk shape of this binary's own YAML config file.
// It maps onto config.Settings plus the handful of knobs (serial port,
// diagnostics address, PEC files) that are this demo's concern rather
// than the core's.
type demoConfig struct {
	Mount      string `yaml:"mount"`       // "simulator" or "skywatcher"
	ListenAddr string `yaml:"listen_addr"` // diagnostics HTTP address
	Debug      bool   `yaml:"debug"`

	Settings struct {
		AlignmentMode      string     `yaml:"alignment_mode"`
		LatitudeDeg        float64    `yaml:"latitude_deg"`
		LongitudeDeg       float64    `yaml:"longitude_deg"`
		ElevationM         float64    `yaml:"elevation_m"`
		StepsPerRev        [2]float64 `yaml:"steps_per_rev"`
		FactorStep         [2]float64 `yaml:"factor_step"`
		MaxSlewRateDegPerS float64    `yaml:"max_slew_rate_deg_per_s"`
		AxisUpperLimitYDeg float64    `yaml:"axis_upper_limit_y_deg"`
		AxisLowerLimitYDeg float64    `yaml:"axis_lower_limit_y_deg"`
		GuideRateOffsetX   float64    `yaml:"guide_rate_offset_x"`
		GuideRateOffsetY   float64    `yaml:"guide_rate_offset_y"`
		MinPulseMsRA       int        `yaml:"min_pulse_ms_ra"`
		MinPulseMsDec      int        `yaml:"min_pulse_ms_dec"`
		HomeAxes           [2]float64 `yaml:"home_axes"`
		ParkAxes           [2]float64 `yaml:"park_axes"`
		GotoPrecisionDeg   float64    `yaml:"goto_precision_deg"`
	} `yaml:"settings"`

	Serial struct {
		Port          string `yaml:"port"`
		BaudRate      int    `yaml:"baud_rate"`
		ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	} `yaml:"serial"`

	PEC struct {
		Directory string `yaml:"directory"`
		WormFile  string `yaml:"worm_file"`
		FullFile  string `yaml:"full_file"`
	} `yaml:"pec"`
}

func defaultConfig() demoConfig {
	var c demoConfig
	c.Mount = "simulator"
	c.ListenAddr = "0.0.0.0:8090"
	c.Debug = true
	c.Settings.AlignmentMode = "german_polar"
	c.Settings.LatitudeDeg = 34.2
	c.Settings.LongitudeDeg = -118.4
	c.Settings.StepsPerRev = [2]float64{9024000, 9024000}
	c.Settings.FactorStep = [2]float64{200, 200}
	c.Settings.MaxSlewRateDegPerS = 4.0
	c.Settings.AxisUpperLimitYDeg = 90
	c.Settings.AxisLowerLimitYDeg = -90
	c.Settings.GuideRateOffsetX = 0.5
	c.Settings.GuideRateOffsetY = 0.5
	c.Settings.MinPulseMsRA = 20
	c.Settings.MinPulseMsDec = 20
	c.Settings.HomeAxes = [2]float64{0, 90}
	c.Settings.ParkAxes = [2]float64{180, 0}
	c.Settings.GotoPrecisionDeg = 0.01
	c.Serial.Port = "/dev/ttyUSB0"
	c.Serial.BaudRate = 9600
	c.Serial.ReadTimeoutMs = 2000
	return c
}

func loadConfig(path string) (demoConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func parseAlignmentMode(s string) config.AlignmentMode {
	switch s {
	case "altaz":
		return config.AltAz
	case "polar":
		return config.Polar
	default:
		return config.GermanPolar
	}
}

func (c demoConfig) toSettings() config.Settings {
	s := c.Settings
	return config.Settings{
		MountFamily:        mountFamily(c.Mount),
		AlignmentMode:      parseAlignmentMode(s.AlignmentMode),
		LatitudeDeg:        s.LatitudeDeg,
		LongitudeDeg:       s.LongitudeDeg,
		ElevationM:         s.ElevationM,
		StepsPerRev:        s.StepsPerRev,
		FactorStep:         s.FactorStep,
		MaxSlewRateDegPerS: s.MaxSlewRateDegPerS,
		AxisUpperLimitYDeg: s.AxisUpperLimitYDeg,
		AxisLowerLimitYDeg: s.AxisLowerLimitYDeg,
		GuideRateOffsetX:   s.GuideRateOffsetX,
		GuideRateOffsetY:   s.GuideRateOffsetY,
		MinPulseMsRA:       s.MinPulseMsRA,
		MinPulseMsDec:      s.MinPulseMsDec,
		HomeAxes:           s.HomeAxes,
		ParkAxes:           s.ParkAxes,
		GotoPrecisionDeg:   s.GotoPrecisionDeg,
		Port:               c.Serial.Port,
		BaudRate:           c.Serial.BaudRate,
		ReadTimeoutMs:      c.Serial.ReadTimeoutMs,
	}
}

func mountFamily(s string) config.MountFamily {
	if s == "skywatcher" {
		return config.SkyWatcher
	}
	return config.Simulator
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults are used if omitted)")
	flag.Parse()

	fmt.Printf("mountcore-demo %s (built %s)\n", Version, BuildTime)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("mountcore-demo: %v", err)
	}
	log.Println("mountcore-demo stopped")
}

func run(ctx context.Context, cfg demoConfig) error {
	snap, err := config.FromSettings(cfg.toSettings())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	bus := eventbus.NewInMemoryBus()

	backend, closeBackend, err := newBackend(cfg, snap)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if closeBackend != nil {
		defer closeBackend()
	}

	pecEngine := pec.NewEngine()
	if cfg.PEC.Directory != "" {
		if cfg.PEC.WormFile != "" {
			if err := pecEngine.LoadWorm(cfg.PEC.WormFile, snap); err != nil {
				log.Printf("pec: failed to load worm table: %v", err)
			}
		}
		if cfg.PEC.FullFile != "" {
			if err := pecEngine.LoadFull(cfg.PEC.FullFile, snap); err != nil {
				log.Printf("pec: failed to load 360° table: %v", err)
			}
		}
		if err := pecEngine.WatchDirectory(ctx, cfg.PEC.Directory, cfg.PEC.WormFile, cfg.PEC.FullFile, snap); err != nil {
			log.Printf("pec: directory watch disabled: %v", err)
		}
	}

	ctl := mountctl.New("mountcore-demo", backend, snap, pecEngine, nil, nil, bus)
	if err := ctl.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize controller: %w", err)
	}
	if err := ctl.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer ctl.Stop(context.Background())

	diagServer := diagnostics.NewServer(diagnostics.Config{Address: cfg.ListenAddr, Debug: cfg.Debug}, ctl, bus)
	defer diagServer.Close()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: diagServer.Handler()}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	log.Printf("mount family: %s, alignment: %s", snap.MountFamily, snap.AlignmentMode)
	log.Printf("diagnostics listening on http://%s", cfg.ListenAddr)
	log.Println("")
	log.Println("API Endpoints:")
	log.Println("  GET  /api/v1/health           - Health check")
	log.Println("  GET  /api/v1/mount/status      - Combined mount status")
	log.Println("  POST /api/v1/mount/slew/radec  - Slew to RA/Dec")
	log.Println("  POST /api/v1/mount/slew/altaz  - Slew to Alt/Az")
	log.Println("  POST /api/v1/mount/track       - Enable/disable tracking")
	log.Println("  POST /api/v1/mount/pulse-guide - ST4 pulse-guide")
	log.Println("  GET  /metrics                  - Prometheus metrics")
	log.Println("  WS   /ws                       - Telemetry stream")
	log.Println("")

	select {
	case <-ctx.Done():
		log.Println("shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// newBackend returns the queue.BackEnd selected by cfg.Mount. For
// "skywatcher" it opens a serial transport; the returned closer releases
// it on shutdown. The simulator needs no teardown.
func newBackend(cfg demoConfig, snap *config.Snapshot) (queue.BackEnd, func(), error) {
	switch cfg.Mount {
	case "skywatcher":
		t := transport.NewSerialPort(transport.SerialConfig{
			Port:          cfg.Serial.Port,
			BaudRate:      cfg.Serial.BaudRate,
			ReadTimeoutMs: cfg.Serial.ReadTimeoutMs,
		})
		if err := t.Open(); err != nil {
			return nil, nil, fmt.Errorf("open serial port %s: %w", cfg.Serial.Port, err)
		}
		return skywatcher.New(t), func() { _ = t.Close() }, nil
	default:
		return simbackend.New(snap), nil, nil
	}
}
