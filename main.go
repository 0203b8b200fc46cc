package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/anpr/events"
	"github.com/platewatch-data/platewatch/internal/anpr/pipeline"
	"github.com/platewatch-data/platewatch/internal/anpr/storage/sqlite"
	"github.com/platewatch-data/platewatch/internal/anpr/stream"
	"github.com/platewatch-data/platewatch/internal/api"
	"github.com/platewatch-data/platewatch/internal/camera"
	"github.com/platewatch-data/platewatch/internal/config"
	"github.com/platewatch-data/platewatch/internal/track"
	"github.com/platewatch-data/platewatch/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "platewatch.db", "SQLite database file")
	migrationsDir = flag.String("migrations", "migrations", "Migrations directory")
	configFile    = flag.String("config", "", "Optional JSON tuning config")
	debug         = flag.Bool("debug", false, "Enable diagnostic and trace logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		log.Printf("platewatch %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	// Missing .env is fine; environment variables win either way.
	_ = godotenv.Load()

	var diagWriter, traceWriter io.Writer
	if *debug {
		diagWriter, traceWriter = os.Stderr, os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diagWriter, traceWriter)

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	db, err := sqlite.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := sqlite.MigrateUp(db, *migrationsDir); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	store := sqlite.NewRecordStore(db)

	sinks := anpr.MultiSink{store}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		topic := os.Getenv("KAFKA_TOPIC")
		if topic == "" {
			topic = "platewatch.records"
		}
		publisher, err := events.NewPublisher(brokers, topic)
		if err != nil {
			log.Fatalf("Failed to create kafka publisher: %v", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		log.Printf("Publishing records to kafka topic %q via %s", topic, brokers)
	}

	vehicleDetector, err := camera.NewDNNDetector(cfg.VehicleModelPath, cfg.VehicleModelPath+".names")
	if err != nil {
		log.Fatalf("Failed to load vehicle model: %v", err)
	}
	defer vehicleDetector.Close()
	plateDetector, err := camera.NewDNNDetector(cfg.PlateModelPath, cfg.PlateModelPath+".names")
	if err != nil {
		log.Fatalf("Failed to load plate model: %v", err)
	}
	defer plateDetector.Close()

	snapshots, err := camera.NewSnapshotWriter(cfg.SnapshotDir)
	if err != nil {
		log.Fatalf("Failed to prepare snapshot dir: %v", err)
	}

	newPipeline := func(cameraID string) (*pipeline.Pipeline, error) {
		reader, err := camera.NewTesseractReader(cfg.OCRLanguages...)
		if err != nil {
			return nil, err
		}
		return pipeline.New(pipeline.Config{
			CameraID:            cameraID,
			VehicleDetector:     vehicleDetector,
			PlateDetector:       plateDetector,
			Tracker:             track.NewIOUTracker(),
			Reader:              reader,
			Sink:                sinks,
			Annotator:           camera.OverlayAnnotator{},
			Snapshotter:         snapshots,
			DirectionSign:       cfg.DirectionSign,
			MinReadings:         cfg.MinReadings,
			AcceptConfidence:    cfg.AcceptConfidence,
			MinReadConfidence:   cfg.MinReadConfidence,
			RatioThreshold:      cfg.RatioThreshold,
			MotionWindow:        cfg.MotionWindow,
			AbandonAfterMisses:  cfg.AbandonAfterMisses,
			MaxBufferedReadings: cfg.MaxBufferedReadings,
		})
	}

	orch, err := stream.New(stream.Config{
		Opener:            camera.Opener{},
		Encoder:           camera.NewJPEGEncoder(cfg.JPEGQuality),
		NewPipeline:       newPipeline,
		MaxCameras:        cfg.MaxCameras,
		MaxSubscribers:    cfg.MaxSubscribers,
		StopTimeout:       cfg.StopTimeoutDuration(),
		ReopenDelay:       cfg.ReopenDelayDuration(),
		MaxReopenAttempts: cfg.MaxReopenAttempts,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	server := api.NewServer(orch, store)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: server.ServeMux(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("platewatch %s listening on %s", version.Version, *listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := orch.StopAll(); err != nil {
		log.Printf("Camera shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
