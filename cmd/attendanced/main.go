package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"attendance-controller/config"
	"attendance-controller/internal/api"
	"attendance-controller/internal/button"
	"attendance-controller/internal/db"
	"attendance-controller/internal/device"
	"attendance-controller/internal/display"
	"attendance-controller/internal/metrics"
	"attendance-controller/internal/notification"
	"attendance-controller/internal/sensor"
	"attendance-controller/internal/serialport"
	"attendance-controller/internal/slots"
	"attendance-controller/internal/sms"
	"attendance-controller/internal/store"
	"attendance-controller/internal/workflow"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "attendanced ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	if err := run(cfg, logger); err != nil {
		logger.Fatal(err)
	}
	logger.Println("Server gracefully stopped")
}

// run owns every peripheral it opens and releases them before returning, on
// success and on each error path.
func run(cfg *config.Config, logger *log.Logger) error {
	loc, err := time.LoadLocation(cfg.Attendance.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Attendance.Timezone, err)
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Println("database initialized successfully")
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	appStore := store.NewGormStore(gormDB)

	// Fingerprint sensor
	line, err := serialport.Open(cfg.Sensor.Port, cfg.Sensor.Baud, cfg.Sensor.ReadTimeout)
	if err != nil {
		return fmt.Errorf("failed to open sensor on %s: %w", cfg.Sensor.Port, err)
	}
	scanner := sensor.New(line, sensor.Config{
		Password:       cfg.Sensor.Password,
		MaxSlots:       cfg.Sensor.MaxSlots,
		PollInterval:   cfg.Sensor.PollInterval,
		ImagingRetries: cfg.Sensor.ImagingRetries,
	})
	defer func() {
		if err := scanner.Close(); err != nil {
			logger.Printf("failed to close sensor port: %v", err)
		}
	}()
	if err := scanner.VerifyPassword(); err != nil {
		return fmt.Errorf("fingerprint sensor handshake failed: %w", err)
	}
	logger.Printf("fingerprint sensor ready on %s", cfg.Sensor.Port)

	var panel display.Panel = display.NewConsole()
	if cfg.Display.Enabled {
		lcd, err := display.OpenLCD(cfg.Display.Bus, cfg.Display.Address, cfg.Display.Rows, cfg.Display.Cols)
		if err != nil {
			logger.Printf("LCD unavailable, logging messages instead: %v", err)
		} else {
			defer lcd.Close()
			panel = lcd
		}
	}

	var notifier workflow.Notifier = sms.Console{}
	if cfg.Modem.Enabled {
		notifier = sms.NewModem(serialport.Open, sms.Config{
			Port:        cfg.Modem.Port,
			Baud:        cfg.Modem.Baud,
			ReadTimeout: cfg.Modem.ReadTimeout,
			StepDelay:   cfg.Modem.StepDelay,
		})
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := workflow.Options{
		Scanner:        scanner,
		Panel:          panel,
		Notifier:       notifier,
		Store:          appStore,
		CaptureTimeout: cfg.Sensor.CaptureTimeout,
		MessageHold:    cfg.Display.MessageHold,
		Location:       loc,
	}

	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		opts.Checkins = pool
	} else {
		logger.Println("VAPID keys not configured, dashboard push disabled")
	}

	allocator := slots.NewAllocator(cfg.Sensor.MaxSlots)
	opts.Slots = allocator
	m := metrics.New()

	controller := device.New(workflow.New(opts), allocator, m)
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start device controller: %w", err)
	}

	if cfg.Button.Enabled {
		pin, err := button.Open(cfg.Button.Pin)
		if err != nil {
			return fmt.Errorf("failed to open scan button: %w", err)
		}
		watcher := button.NewWatcher(pin, cfg.Button.Debounce, func(ctx context.Context) {
			if _, err := controller.Attend(ctx, cfg.Attendance.DefaultCourse); err != nil {
				logger.Printf("button scan: %v", err)
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Printf("scan button stopped: %v", err)
			}
		}()
	}

	// Initialize router
	router := api.NewRouter(appStore, controller, webpushOptions, api.RouterOptions{
		RateLimit:       rate.Limit(cfg.Server.RateLimitPerSec),
		Burst:           5,
		DeviceRateLimit: rate.Limit(cfg.Server.DeviceRateLimit),
		CacheTTL:        time.Duration(cfg.Server.CacheTTLSeconds) * time.Second,
		Metrics:         m,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
		logger.Println("Shutdown signal received, stopping services...")
	case runErr = <-serveErr:
	}

	// Abort whatever holds the sensor so open scan requests return.
	if info, err := controller.Abort(); err == nil {
		logger.Printf("aborted %s job %s", info.Name, info.ID)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}

	cancel()
	select {
	case <-controller.Done():
	case <-shutdownCtx.Done():
		logger.Println("device worker did not stop in time")
	}

	return runErr
}
