package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/api"
	"github.com/mirkored07/rde-mvp-sub000/internal/config"
	"github.com/mirkored07/rde-mvp-sub000/internal/store"
	"github.com/mirkored07/rde-mvp-sub000/internal/version"
)

//go:embed static/*
var staticFiles embed.FS

func main() {
	// The migrate subcommand manages the run database schema and exits.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	// Load .env before flag registration so defaults below see it.
	if err := config.LoadEnv(); err != nil {
		log.Printf("failed to load .env: %v", err)
	}

	var (
		devMode     = flag.Bool("dev", false, "Run in dev mode")
		listen      = flag.String("listen", config.EnvOr("RDE_LISTEN", ":8080"), "Listen address")
		dbPath      = flag.String("db-path", config.EnvOr("RDE_DB_PATH", "rde.db"), "Path to the run database")
		packsDir    = flag.String("packs-dir", config.EnvOr("RDE_PACKS_DIR", "packs"), "Directory with server-side rules and regulation packs")
		cfgPath     = flag.String("config", "", "Pipeline tuning config file (JSON or YAML)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rde-mvp %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	var cfg *config.PipelineConfig
	if *cfgPath != "" {
		loaded, err := config.LoadPipelineConfig(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load pipeline config: %v", err)
		}
		cfg = loaded
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	runs := store.NewRunStore(db, nil)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		db.AttachAdminRoutes(mux, *dbPath)

		// the API mux registers its routes under /api/ and /healthz
		apiMux := api.NewServer(runs, cfg, *packsDir).ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/healthz", apiMux)

		// read static files from the embedded filesystem in production or from
		// the local ./static in dev for easier iteration without restarting the
		// server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticFS, err := fs.Sub(staticFiles, "static")
			if err != nil {
				log.Fatalf("failed to mount static files: %v", err)
			}
			staticHandler = http.FileServer(http.FS(staticFS))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// runMigrate parses migrate flags ahead of the action so
// `rde-mvp migrate --db-path runs.db up` works as printed in the help.
func runMigrate(args []string) {
	if err := config.LoadEnv(); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := flags.String("db-path", config.EnvOr("RDE_DB_PATH", "rde.db"), "Path to the run database")
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}
	store.RunMigrateCommand(flags.Args(), *dbPath)
}
