// Command toolserver is a reference tool server for agentd.
//
// It exposes POST /command, which executes a shell command in a
// subprocess and reports status, exit code and captured output, plus
// GET /health and a GET /openapi.json document so the service can
// discover it. Suitable for development and single-tenant deployments;
// production workloads want stronger isolation around the subprocess.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type config struct {
	addr           string
	shell          string
	maxConcurrent  int
	commandTimeout time.Duration
	maxOutputBytes int
}

func loadConfig() config {
	cfg := config{
		addr:           ":9000",
		shell:          "/bin/sh",
		maxConcurrent:  4,
		commandTimeout: 60 * time.Second,
		maxOutputBytes: 512 * 1024,
	}
	if v := os.Getenv("TOOLSERVER_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("TOOLSERVER_SHELL"); v != "" {
		cfg.shell = v
	}
	if v := os.Getenv("TOOLSERVER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	if v := os.Getenv("TOOLSERVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.commandTimeout = d
		}
	}
	if v := os.Getenv("TOOLSERVER_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	return cfg
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[toolserver] ")

	cfg := loadConfig()
	sem := make(chan struct{}, cfg.maxConcurrent)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /command", func(w http.ResponseWriter, r *http.Request) {
		handleCommand(cfg, sem, w, r)
	})
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /openapi.json", handleOpenAPI)

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      mux,
		ReadTimeout:  time.Minute,
		WriteTimeout: cfg.commandTimeout + time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", cfg.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("stopped")
}
