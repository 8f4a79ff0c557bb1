package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-agents/chimera/pkg/audit"
	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/contextstore"
	"github.com/chimera-agents/chimera/pkg/federation"
	"github.com/chimera-agents/chimera/pkg/orchestrator"
	"github.com/chimera-agents/chimera/pkg/pipeline"
	"github.com/chimera-agents/chimera/pkg/sandbox"
	"github.com/chimera-agents/chimera/pkg/skill"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

const serviceVersion = "0.1.0"

func runServe(ctx context.Context, global globalFlags, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dataDir := fs.String("data-dir", "data", "directory for the sqlite databases")
	contractsDir := fs.String("contracts", "", "optional directory of extra contract documents")
	_ = fs.Parse(args)

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig("chimera", serviceVersion, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fatal(fmt.Errorf("init telemetry: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fatal(fmt.Errorf("create data dir: %w", err))
	}
	db, err := sql.Open("sqlite", filepath.Join(*dataDir, "chimera.db"))
	if err != nil {
		fatal(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	store, err := contextstore.NewSQLiteStore(db)
	if err != nil {
		fatal(fmt.Errorf("context store: %w", err))
	}
	trail, err := audit.NewSQLiteStore(db)
	if err != nil {
		fatal(fmt.Errorf("audit store: %w", err))
	}

	registry := skill.NewRegistry()
	if err := pipeline.Register(registry, cfg.Governance); err != nil {
		fatal(fmt.Errorf("register pipeline skills: %w", err))
	}
	if *contractsDir != "" {
		// Extra contracts advertise capabilities without local handlers;
		// invoking one locally fails until a handler or a remote peer
		// serves it.
		contracts, err := skill.LoadDir(*contractsDir)
		if err != nil {
			fatal(fmt.Errorf("load contracts: %w", err))
		}
		for _, contract := range contracts {
			if err := registry.RegisterContract(contract); err != nil {
				fatal(fmt.Errorf("register contract %s: %w", contract.Name, err))
			}
		}
	}

	metrics, err := telemetry.NewOrchestrationMetrics()
	if err != nil {
		fatal(fmt.Errorf("init metrics: %w", err))
	}

	opts := []orchestrator.Option{orchestrator.WithMetrics(metrics)}

	var directory *federation.PeerDirectory
	if cfg.Federation.Enabled && len(cfg.Federation.Peers) > 0 {
		directory = federation.NewPeerDirectory(cfg.Federation, nil)
		directory.Start()
		defer directory.Stop()
		opts = append(opts, orchestrator.WithDelegator(
			federation.NewClient(cfg.Federation, directory, nil)))
	}

	plan := pipeline.Plan().ApplyRemote(cfg.Skills)
	coordinator, err := orchestrator.New(cfg, plan, registry,
		sandbox.New(), store, trail, opts...)
	if err != nil {
		fatal(fmt.Errorf("build coordinator: %w", err))
	}
	coordinator.Start(ctx)
	defer coordinator.Stop()

	sweeper := contextstore.NewSweeper(store, cfg.Retention.SweepInterval, cfg.Retention.Windows)
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mountControl(mux, coordinator, directory)
	if cfg.Federation.Enabled {
		gateway := federation.NewServer(cfg.Federation, coordinator, registry,
			federationTaskStore(db), cfg.Orchestrator.DefaultTimeout)
		mux.Handle(federation.WellKnownCardPath, gateway)
		mux.Handle("/v1/tasks", gateway)
		mux.Handle("/v1/tasks/", gateway)
	}

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("chimera.serving", "addr", cfg.Server.Addr,
		"federation", cfg.Federation.Enabled, "stages", len(plan))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(err)
	}
}

func federationTaskStore(db *sql.DB) federation.TaskStore {
	tasks, err := federation.NewSQLiteTaskStore(db)
	if err != nil {
		fatal(fmt.Errorf("task store: %w", err))
	}
	return tasks
}

// mountControl exposes the workflow control surface: submit, status,
// audit, cancel, unblock, and the peer listing.
func mountControl(mux *http.ServeMux, coordinator *orchestrator.Coordinator, directory *federation.PeerDirectory) {
	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			CorrelationID string         `json:"correlation_id"`
			Payload       map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeControlError(w, http.StatusBadRequest, "malformed work order")
			return
		}
		runID, err := coordinator.Submit(r.Context(), orchestrator.WorkOrder{
			CorrelationID: req.CorrelationID,
			Payload:       req.Payload,
		})
		if err != nil {
			writeControlErr(w, err)
			return
		}
		writeControlJSON(w, http.StatusOK, map[string]string{"run_id": runID})
	})

	mux.HandleFunc("/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
		switch {
		case strings.HasSuffix(rest, ":cancel") && r.Method == http.MethodPost:
			runID := strings.TrimSuffix(rest, ":cancel")
			if err := coordinator.Cancel(r.Context(), runID); err != nil {
				writeControlErr(w, err)
				return
			}
			snap, err := coordinator.Status(r.Context(), runID)
			if err != nil {
				writeControlErr(w, err)
				return
			}
			writeControlJSON(w, http.StatusOK, snapshotDoc(snap))
		case strings.HasSuffix(rest, ":unblock") && r.Method == http.MethodPost:
			runID := strings.TrimSuffix(rest, ":unblock")
			var req struct {
				Verdict   string `json:"verdict"`
				Reason    string `json:"reason"`
				DecidedBy string `json:"decided_by"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeControlError(w, http.StatusBadRequest, "malformed decision")
				return
			}
			err := coordinator.Unblock(r.Context(), runID, orchestrator.Decision{
				Verdict:   orchestrator.DecisionVerdict(req.Verdict),
				Reason:    req.Reason,
				DecidedBy: req.DecidedBy,
			})
			if err != nil {
				writeControlErr(w, err)
				return
			}
			writeControlJSON(w, http.StatusOK, map[string]string{"run_id": runID, "verdict": req.Verdict})
		case strings.HasSuffix(rest, "/audit") && r.Method == http.MethodGet:
			runID := strings.TrimSuffix(rest, "/audit")
			entries, err := coordinator.Audit(r.Context(), runID)
			if err != nil {
				writeControlErr(w, err)
				return
			}
			writeControlJSON(w, http.StatusOK, map[string]any{"entries": entries})
		case r.Method == http.MethodGet:
			snap, err := coordinator.Status(r.Context(), rest)
			if err != nil {
				writeControlErr(w, err)
				return
			}
			writeControlJSON(w, http.StatusOK, snapshotDoc(snap))
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		var cards []federation.AgentCard
		if directory != nil {
			cards = directory.Cards()
		}
		writeControlJSON(w, http.StatusOK, map[string]any{"peers": cards})
	})
}
