package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/avelacq/bulkstage/internal/config"
	"github.com/avelacq/bulkstage/internal/db"
	"github.com/avelacq/bulkstage/internal/middleware"
	"github.com/avelacq/bulkstage/internal/pipeline"
	"github.com/avelacq/bulkstage/internal/registry"
	"github.com/avelacq/bulkstage/internal/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	templates, err := registry.Load(cfg.TemplatesPath)
	if err != nil {
		log.Fatalf("Failed to load templates: %v", err)
	}
	log.Printf("Loaded templates: %v", templates.Names())

	jobRepo := repository.NewJobRepository(conn.Pool)
	stagingRepo := repository.NewStagingRepository(conn.Pool)
	checkpointRepo := repository.NewCheckpointRepository(conn.Pool)
	validationRepo := repository.NewValidationRepository(conn.Pool)
	applyRepo := repository.NewApplyRepository(conn.Pool)

	service := pipeline.NewService(cfg, templates, jobRepo, stagingRepo, checkpointRepo, validationRepo, applyRepo)
	defer service.Close()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	mux := http.NewServeMux()
	mux.Handle("/jobs", pipeline.NewHTTPHandler(service, cfg.Output.Directory))
	mux.Handle("/jobs/", pipeline.NewHTTPHandler(service, cfg.Output.Directory))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(middleware.LoggingMiddleware(mux)),
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting import server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
