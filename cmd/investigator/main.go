package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"investigator/pkg/api"
	"investigator/pkg/config"
	"investigator/pkg/investigate"
	"investigator/pkg/logx"
	"investigator/pkg/metrics"
	"investigator/pkg/notebook"
	"investigator/pkg/notify"
	"investigator/pkg/paragraph"
	"investigator/pkg/persistence"
	"investigator/pkg/polling"
	"investigator/pkg/reconcile"
	"investigator/pkg/remote"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "investigator.yaml", "Path to configuration file")
		question    = flag.String("ask", "", "Run one investigation for this question and exit")
		notebookID  = flag.String("notebook", "", "Notebook id for -ask (created when empty)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("investigator %s (%s)\n", version, commit)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *question, *notebookID))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath, question, notebookID string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	apiKey, err := resolveAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve API key: %v\n", err)
		return 1
	}

	db, err := persistence.InitializeDatabase(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	store := persistence.NewStore(db)

	client := remote.NewClient(cfg.Remote.Endpoint, apiKey, cfg.RequestTimeout())
	allocator := remote.NewAllocator(client, cfg.Allocation.MaxAttempts)
	poller := polling.NewService(client, cfg.PollInterval())
	paragraphs := paragraph.NewStoreService(store)
	reconciler := reconcile.NewReconciler(store, paragraphs)

	recorder := metrics.NewRecorder()
	allocator.SetAttemptObserver(recorder.ObserveAllocation)
	poller.SetTickObserver(recorder)

	orch := investigate.NewOrchestrator(cfg, store, client, allocator, poller,
		paragraphs, reconciler, notify.NewLogSink())
	orch.SetRecorder(recorder)

	counter, err := paragraph.NewTokenCounter()
	if err != nil {
		logger.Warn("token counter unavailable, using character estimate: %v", err)
	} else {
		orch.SetTokenCounter(counter)
	}

	if question != "" {
		return runAsk(orch, store, notebookID, question)
	}

	mux := http.NewServeMux()
	api.NewServer(orch, store).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	orch.Teardown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed: %v", err)
		return 1
	}
	return 0
}

// runAsk runs one blocking investigation and prints the resulting
// hypotheses.
func runAsk(orch *investigate.Orchestrator, store *persistence.Store, notebookID, question string) int {
	if notebookID == "" {
		nb := &notebook.Notebook{ID: notebook.GenerateNotebookID()}
		if err := store.CreateNotebook(nb); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create notebook: %v\n", err)
			return 1
		}
		notebookID = nb.ID
		fmt.Printf("Created notebook %s\n", notebookID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orch.Investigate(ctx, notebookID, question, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Investigation failed: %v\n", err)
		return 1
	}

	nb, err := store.GetNotebook(notebookID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load notebook: %v\n", err)
		return 1
	}
	hyps, err := store.ListHypotheses(notebookID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load hypotheses: %v\n", err)
		return 1
	}

	fmt.Printf("\n%s\n", nb.Title)
	for i, h := range hyps {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		status := ""
		if h.RuledOut() {
			status = " [ruled out]"
		}
		fmt.Printf("%s %d%% %s%s\n", marker, h.Likelihood, h.Title, status)
	}
	return 0
}
