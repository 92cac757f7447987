package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/carbon-oracle/sorbent/internal/agent"
	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/features"
	"github.com/carbon-oracle/sorbent/internal/metrics"
	"github.com/carbon-oracle/sorbent/internal/orchestrator"
	"github.com/carbon-oracle/sorbent/internal/predict"
	"github.com/carbon-oracle/sorbent/internal/report"
	"github.com/carbon-oracle/sorbent/internal/retrieval"
	"github.com/carbon-oracle/sorbent/internal/sim"
	"github.com/carbon-oracle/sorbent/internal/store"
	"github.com/carbon-oracle/sorbent/internal/stream"
	"github.com/carbon-oracle/sorbent/internal/wal"
	"github.com/carbon-oracle/sorbent/pkg/otel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Server struct {
	store       store.Store
	events      *stream.Broadcaster
	limiter     *rate.Limiter
	startCh     chan api.Scenario
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup batch store
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var batchStore store.Store
	var err error

	switch storeBackend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/batches.json")
		batchStore = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		batchStore, err = store.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		batchStore, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Setup sample WAL
	walDir := getEnv("WAL_DIR", "data/wal")
	sampleWAL, err := wal.NewSampleWAL(walDir)
	if err != nil {
		log.Fatalf("Failed to create sample WAL: %v", err)
	}

	// Setup tracing (optional)
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "false") == "true" {
		otelCfg := otel.DefaultConfig("sorbent-monitor")
		otelCfg.CollectorEndpoint = getEnv("OTEL_ENDPOINT", "localhost:4317")
		tracerProvider, err := otel.InitTracer(ctx, otelCfg)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		tp = tracerProvider
	}

	// Simulation source
	simCfg := sim.DefaultConfig()
	simCfg.DurationTicks = getEnvInt("BATCH_DURATION_TICKS", simCfg.DurationTicks)
	simSeed := int64(getEnvInt("SIM_SEED", int(time.Now().UnixNano()%100000)))
	source, err := sim.New(simCfg, simSeed)
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	// Prediction stack
	windowTicks := getEnvInt("WINDOW_TICKS", 10)
	extractor := features.NewExtractor(windowTicks)
	predictor, err := predict.New(predict.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to create predictor: %v", err)
	}
	log.Println("Bootstrapping synthetic estimator...")
	if err := predictor.Bootstrap(ctx, batchStore, simCfg, windowTicks); err != nil {
		log.Fatalf("Failed to bootstrap predictor: %v", err)
	}

	// Intervention agent
	interventionAgent, err := agent.New(agent.DefaultThresholds())
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	// Analysis collaborators
	index, err := retrieval.NewIndex(batchStore)
	if err != nil {
		log.Fatalf("Failed to create retrieval index: %v", err)
	}
	reportDir := getEnv("REPORT_DIR", "data/reports")
	reporter, err := report.NewFileReporter(reportDir)
	if err != nil {
		log.Fatalf("Failed to create reporter: %v", err)
	}

	events := stream.NewBroadcaster(getEnvInt("STREAM_BUFFER", 64))
	m := metrics.New()

	// Orchestrator
	loopCfg := orchestrator.DefaultConfig()
	loopCfg.SampleInterval = time.Duration(getEnvInt("SAMPLE_INTERVAL_MS", 0)) * time.Millisecond
	loopCfg.AggEvery = getEnvInt("AGG_EVERY", loopCfg.AggEvery)
	loop, err := orchestrator.New(loopCfg, source, extractor, predictor, interventionAgent, batchStore, orchestrator.Options{
		Journal:  sampleWAL,
		Index:    index,
		Reporter: reporter,
		Events:   events,
		Metrics:  m,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		store:   batchStore,
		events:  events,
		limiter: limiter,
		startCh: make(chan api.Scenario, 1),
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Batch runner: one timeline at a time, retraining only between batches.
	autoRun := getEnv("AUTO_RUN", "true") == "true"
	batchPause := time.Duration(getEnvInt("BATCH_PAUSE_MS", 1000)) * time.Millisecond
	go runBatches(ctx, loop, batchStore, srv.startCh, autoRun, batchPause)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batches", srv.handleListBatches)
	mux.HandleFunc("/v1/batches/start", srv.handleStartBatch)
	mux.HandleFunc("/v1/stream", srv.handleStream)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting monitor on port %s (store=%s, seed=%d)", port, storeBackend, simSeed)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down monitor...")
	cancel() // aborts any running batch at its next tick boundary

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	if err := httpServer.Shutdown(sctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if tp != nil {
		if err := tp.Shutdown(sctx); err != nil {
			log.Printf("Error shutting down tracing: %v", err)
		}
	}
	if err := sampleWAL.Close(); err != nil {
		log.Printf("Error closing WAL: %v", err)
	}
	if err := batchStore.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Monitor stopped")
}

// runBatches drives the batch timeline. Manual start requests take priority;
// with AUTO_RUN the runner keeps drawing scenario batches on its own.
func runBatches(ctx context.Context, loop *orchestrator.Orchestrator, st store.Store, startCh <-chan api.Scenario, autoRun bool, pause time.Duration) {
	for {
		var scenario api.Scenario
		if autoRun {
			select {
			case <-ctx.Done():
				return
			case scenario = <-startCh:
			default:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case scenario = <-startCh:
			}
		}

		spanCtx, span := otel.StartSpan(ctx, "monitor", "batch.run",
			otel.AttrScenario.String(string(scenario)))
		record, err := loop.RunBatch(spanCtx, scenario)
		if err != nil {
			otel.RecordError(span, err, "batch run failed")
			span.End()
			if ctx.Err() != nil {
				return
			}
			log.Printf("Batch run failed: %v", err)
		} else {
			span.SetAttributes(otel.BatchAttributes(record.BatchID, string(record.Scenario), string(record.State), len(record.Samples))...)
			span.End()
		}
		loop.MaybeRetrain(ctx, st)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

type batchSummary struct {
	BatchID       string  `json:"batch_id"`
	Scenario      string  `json:"scenario"`
	State         string  `json:"state"`
	Interventions int     `json:"interventions"`
	GroundTruth   float64 `json:"ground_truth,omitempty"`
	Validated     bool    `json:"validated"`
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	ids, err := s.store.ListBatches(ctx)
	if err != nil {
		log.Printf("List batches error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	summaries := make([]batchSummary, 0, len(ids))
	for _, id := range ids {
		record, err := s.store.LoadBatch(ctx, id)
		if err != nil || record == nil {
			continue
		}
		summaries = append(summaries, batchSummary{
			BatchID:       record.BatchID,
			Scenario:      string(record.Scenario),
			State:         string(record.State),
			Interventions: len(record.Decisions),
			GroundTruth:   record.GroundTruth,
			Validated:     record.Validated,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req struct {
		Scenario string `json:"scenario"`
	}
	if r.Body != nil {
		// An empty body requests a weighted scenario draw.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	scenario := api.Scenario(req.Scenario)
	switch scenario {
	case "", api.ScenarioOptimal, api.ScenarioNominal, api.ScenarioUnderActive,
		api.ScenarioOverActive, api.ScenarioAbnormal:
	default:
		http.Error(w, "Unknown scenario", http.StatusBadRequest)
		return
	}

	select {
	case s.startCh <- scenario:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	default:
		http.Error(w, "A start request is already queued", http.StatusConflict)
	}
}

// handleStream pushes tick events to the client as server-sent events until
// the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
