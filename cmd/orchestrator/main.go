package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"warpsurf/internal/config"
	"warpsurf/internal/domain"
	"warpsurf/internal/eventbus"
	"warpsurf/internal/planner"
	"warpsurf/internal/scheduler"
	sqlitestore "warpsurf/internal/store/sqlite"
	"warpsurf/internal/worker"
)

type app struct {
	cfg     config.Config
	store   *sqlitestore.Store
	sched   *scheduler.Scheduler
	planner *planner.Planner

	mu   sync.Mutex
	runs map[string]*scheduler.Run
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.warpsurf/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	demo := flag.Bool("demo", false, "run a scripted demo plan on startup (no model required)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" || !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load config: %v", err)
		}
		log.Printf("no config file, using defaults")
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr, ":8092")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath, "data/warpsurf.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := eventbus.New(log.Default())

	provider := cfg.Provider()
	authToken := os.Getenv(provider.EnvKey)
	model := firstNonEmpty(cfg.Model, "gpt-5")
	endpoint := strings.TrimSuffix(provider.BaseURL, "/") + "/responses"

	var exec scheduler.Worker
	var plnr *planner.Planner
	if *demo {
		exec = demoWorker()
	} else {
		if authToken == "" {
			log.Fatalf("missing API token: set %s or run with -demo", provider.EnvKey)
		}
		llm, err := worker.NewLLM(worker.LLMConfig{
			Endpoint:  endpoint,
			Model:     model,
			AuthToken: authToken,
			Logger:    log.Default(),
		})
		if err != nil {
			log.Fatalf("create llm worker: %v", err)
		}
		exec = llm
		plnr, err = planner.New(planner.Config{
			Endpoint:        endpoint,
			Model:           model,
			ReasoningEffort: cfg.ModelReasoningEffort,
			AuthToken:       authToken,
			Logger:          log.Default(),
		})
		if err != nil {
			log.Fatalf("create planner: %v", err)
		}
	}

	schedCfg := scheduler.Config{
		MaxWorkers:     cfg.Orchestrator.MaxWorkers,
		SubtaskTimeout: durationMS(cfg.Orchestrator.SubtaskTimeoutMS, 5*time.Minute),
	}
	sched := scheduler.New(store, bus, exec, schedCfg, log.Default())

	a := &app{
		cfg:     cfg,
		store:   store,
		sched:   sched,
		planner: plnr,
		runs:    make(map[string]*scheduler.Run),
	}

	if *demo {
		if err := a.startPlan(ctx, demoPlan()); err != nil {
			log.Printf("demo plan failed to start: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/plans", a.handlePlans)
	mux.HandleFunc("/plans/", a.handlePlanByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"warpsurf started addr=%s db=%s model=%s provider=%s demo=%v",
		addr,
		dbPath,
		model,
		provider.Name,
		*demo,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func (a *app) startPlan(ctx context.Context, plan domain.TaskPlan) error {
	run, err := a.sched.Start(ctx, plan)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.runs[plan.ID] = run
	a.mu.Unlock()
	go func() {
		report := run.Wait()
		log.Printf("plan finished id=%s status=%s", plan.ID, report.Status)
		a.mu.Lock()
		delete(a.runs, plan.ID)
		a.mu.Unlock()
	}()
	return nil
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handlePlans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		plans, err := a.store.ListPlans(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, plans)
	case http.MethodPost:
		var req struct {
			Task string           `json:"task"`
			Plan *domain.TaskPlan `json:"plan"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}

		var plan domain.TaskPlan
		switch {
		case req.Plan != nil:
			plan = *req.Plan
			if plan.ID == "" {
				plan.ID = uuid.NewString()
			}
			if plan.CreatedAt.IsZero() {
				plan.CreatedAt = time.Now().UTC()
			}
		case strings.TrimSpace(req.Task) != "":
			if a.planner == nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("no planner configured; submit an explicit plan"))
				return
			}
			generated, err := a.planner.Plan(r.Context(), req.Task)
			if err != nil {
				writeError(w, http.StatusBadGateway, fmt.Errorf("plan generation failed: %w", err))
				return
			}
			plan = generated
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("task or plan is required"))
			return
		}

		// Runs outlive the request; tie them to process lifetime instead.
		if err := a.startPlan(context.Background(), plan); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"plan_id":  plan.ID,
			"subtasks": len(plan.Subtasks),
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handlePlanByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/plans/")
	parts := strings.Split(trimmed, "/")
	planID := parts[0]
	if planID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("plan id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		plan, rec, err := a.store.GetPlan(r.Context(), planID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"plan":   plan,
			"record": rec,
		})
		return
	}

	action := parts[1]
	switch action {
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.mu.Lock()
		run, ok := a.runs[planID]
		a.mu.Unlock()
		if !ok {
			writeError(w, http.StatusConflict, fmt.Errorf("plan %s is not running", planID))
			return
		}
		run.Cancel()
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling", "plan_id": planID})
	case "subtasks":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListSubtasks(r.Context(), planID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "outputs":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListOutputs(r.Context(), planID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 200)
		items, err := a.store.ListEvents(r.Context(), planID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "report":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := a.store.GetReport(r.Context(), planID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "metrics":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := a.store.GetReport(r.Context(), planID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if report.Metrics == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("plan %s has no metrics (status=%s)", planID, report.Status))
			return
		}
		writeJSON(w, http.StatusOK, report.Metrics)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func demoPlan() domain.TaskPlan {
	return domain.TaskPlan{
		ID:   uuid.NewString(),
		Task: "Compare the three most popular Go web frameworks",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "Survey framework popularity", Prompt: "Identify the three most popular Go web frameworks."},
			{ID: 2, Title: "Research framework A", Prompt: "Collect performance and API details for the first framework.", StartCriteria: []int{1}},
			{ID: 3, Title: "Research framework B", Prompt: "Collect performance and API details for the second framework.", StartCriteria: []int{1}},
			{ID: 4, Title: "Research framework C", Prompt: "Collect performance and API details for the third framework.", StartCriteria: []int{1}},
			{ID: 5, Title: "Write comparison", Prompt: "Synthesize the research into a final comparison.", StartCriteria: []int{2, 3, 4}, IsFinal: true},
		},
		Dependencies: map[int][]int{
			1: {},
			2: {1},
			3: {1},
			4: {1},
			5: {2, 3, 4},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func demoWorker() scheduler.Worker {
	return worker.NewScripted(map[int]worker.Script{
		1: {Result: "Top frameworks: gin, echo, fiber", Delay: 300 * time.Millisecond},
		2: {Result: "gin: fast router, middleware chain", Delay: 500 * time.Millisecond},
		3: {Result: "echo: minimalist, good docs", Delay: 450 * time.Millisecond},
		4: {Result: "fiber: fasthttp based, express-like", Delay: 400 * time.Millisecond},
		5: {Result: "Comparison: all three are production ready; pick by ecosystem fit", Delay: 350 * time.Millisecond},
	})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
