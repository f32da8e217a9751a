package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adikhanal/vigil/internal/alert"
	"github.com/adikhanal/vigil/internal/capture"
	"github.com/adikhanal/vigil/internal/config"
	"github.com/adikhanal/vigil/internal/detector"
	"github.com/adikhanal/vigil/internal/perimeter"
	"github.com/adikhanal/vigil/internal/pipeline"
	"github.com/adikhanal/vigil/internal/server"
	"github.com/adikhanal/vigil/internal/state"
	"github.com/adikhanal/vigil/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	addr := flag.String("addr", "", "listen address override")
	dataDir := flag.String("data", "data", "data directory for the alert database")
	flag.Parse()

	fmt.Println("Vigil - Perimeter Intrusion Detection")

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config at %s, using defaults", *configPath)
			cfg = config.Default()
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	confStore := config.NewStore(cfg, *configPath)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	st, err := store.New(filepath.Join(*dataDir, "vigil.db"))
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	alerts, err := alert.NewManager(st.Alerts(), cfg.Alerts.MaxStored)
	if err != nil {
		log.Fatalf("Failed to initialize alert manager: %v", err)
	}
	defer alerts.Close()

	zone, err := perimeter.NewEngine(cfg.Detection.PerimeterZone, cfg.Detection.EnablePerimeter)
	if err != nil {
		log.Fatalf("Invalid perimeter zone in config: %v", err)
	}

	camera := capture.NewWebcam(cfg.Camera.URL, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)

	// Try the YOLO backend first, fall back to the mock detector so the
	// pipeline and API stay usable without model files.
	var det detector.Detector
	if yolo, err := detector.NewYOLO(cfg.Model.Weights, cfg.Model.Names); err == nil {
		det = yolo
		log.Printf("Using YOLO model %s", cfg.Model.Weights)
	} else {
		log.Printf("YOLO model not available (%v), using mock detector", err)
		det = detector.NewMockDetector()
	}
	defer det.Close()

	hub := state.NewHub()
	pipe := pipeline.New(confStore, camera, det, zone, alerts, hub)

	if err := pipe.Start(); err != nil {
		log.Printf("Pipeline not started: %v (start it via POST /api/system/start)", err)
	}
	defer pipe.Stop()

	srv := server.New(server.Config{
		Pipeline:  pipe,
		Alerts:    alerts,
		ConfStore: confStore,
		Zone:      zone,
		Hub:       hub,
	})

	listenAddr := cfg.Server.Addr
	if *addr != "" {
		listenAddr = *addr
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s\n", listenAddr)
		errCh <- srv.ListenAndServe(listenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	}
}
