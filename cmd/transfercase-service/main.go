package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"transfercase-service/internal/config"
	"transfercase-service/internal/core"
	"transfercase-service/internal/display"
	"transfercase-service/internal/hardware"
	"transfercase-service/internal/logger"
	"transfercase-service/internal/messaging"
	"transfercase-service/internal/motor"
	"transfercase-service/internal/selector"
	"transfercase-service/internal/sim"
	"transfercase-service/internal/store"
	"transfercase-service/internal/types"
)

func main() {
	// Service log level
	logLevel := flag.String("log", "3", "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG, or the name)")

	redisHost := flag.String("redis-host", "127.0.0.1", "Redis host")
	redisPort := flag.Int("redis-port", 6379, "Redis port")
	configPath := flag.String("config", "", "JSON calibration file (defaults to the built-in NV244 calibration)")
	storePath := flag.String("store", "/data/transfer-case/position", "File holding the persisted actuator position")
	simulate := flag.Bool("simulate", false, "Run against a simulated actuator and selector")
	serialPort := flag.String("serial-display", "", "Serial port of the cab display unit")
	serialBaud := flag.Int("serial-baud", 115200, "Baud rate of the cab display unit")
	manual := flag.Bool("manual", false, "Allow full motor duty")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		stdLogger.Fatalf("Invalid -log: %v", err)
	}

	// Create leveled logger
	l := logger.NewLogger(stdLogger, level)

	l.Infof("Starting transfer case service...")

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			l.Fatalf("Failed to load config: %v", err)
		}
	}

	redis := messaging.NewRedisClient(*redisHost, *redisPort, l.WithTag("redis"))
	if err := redis.Connect(); err != nil {
		l.Warnf("Running without Redis settings: %v", err)
	} else if fields, err := redis.GetSettings(); err != nil {
		l.Warnf("Failed to read settings: %v", err)
	} else if applied, err := cfg.ApplySettings(fields); err != nil {
		l.Errorf("Ignoring settings: %v", err)
	} else if len(applied) > 0 {
		l.Infof("Applied settings: %v", applied)
	}

	if *manual {
		l.Warnf("Manual mode: motor duty up to 255")
		cfg.Motor.MaxDuty = 255
	}

	var (
		hal     hardware.HAL
		cleanup func() error
	)
	clock := hardware.NewMonotonicClock()
	if *simulate {
		l.Infof("Simulating actuator and selector")
		ohms := cfg.Selector.Windows[types.PositionAllWheelDrive].Center()
		hal = sim.NewRig(clock, cfg, cfg.Motor.Centers[types.PositionAllWheelDrive], ohms)
		cleanup = func() error { return nil }
	} else {
		io := hardware.NewLinuxHardwareIO(l.WithTag("hw"))
		if err := io.Initialize(); err != nil {
			l.Fatalf("Failed to initialize hardware: %v", err)
		}
		hal = io
		cleanup = io.Cleanup
	}

	screen := display.NewMulti(
		display.NewLog(l.WithTag("display")),
		redis,
		display.NewPinMirror(hal, cfg.IndicatorPins, l.WithTag("pins")),
	)
	if *serialPort != "" {
		s, err := display.OpenSerial(*serialPort, *serialBaud, l.WithTag("serial"))
		if err != nil {
			l.Warnf("Cab display unavailable: %v", err)
		} else {
			screen.Add(s)
		}
	}

	positions := store.NewPositionStore(store.NewFileCell(*storePath, 0), l.WithTag("store"))
	shifter, err := motor.New(hal, clock, positions, screen, cfg, l.WithTag("motor"))
	if err != nil {
		l.Fatalf("Failed to create shift controller: %v", err)
	}
	sel, err := selector.New(hal, screen, cfg, selector.Callbacks{}, l.WithTag("selector"))
	if err != nil {
		l.Fatalf("Failed to create selector: %v", err)
	}

	system := core.NewTransferCaseSystem(sel, shifter, motor.NewShiftLimiter(cfg.Limiter), redis, screen, clock, cfg, l.WithTag("system"))

	// Not cancelled with the control loop: an aborted shift still sends its final event
	if err := system.Start(context.Background()); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}

	l.Infof("System started successfully")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- system.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		l.Infof("Received signal %v, shutting down...", sig)
		cancel()
		<-done
	case err := <-done:
		l.Errorf("Control loop stopped: %v", err)
		cancel()
	}

	if err := multierr.Combine(system.Shutdown(), cleanup()); err != nil {
		l.Warnf("Cleanup: %v", err)
	}
	l.Infof("Shutdown complete")
}
