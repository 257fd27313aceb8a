// Entry point for the scamscope HTTP service: chi router, Basic Auth on
// admin routes, SQLite term store + analytics snapshots, optional MCP stdio.
package main

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	scamscope "github.com/serplab/scamscope"
	"github.com/serplab/scamscope/analytics"
	"github.com/serplab/scamscope/audit"
	"github.com/serplab/scamscope/embedder"
	"github.com/serplab/scamscope/termstore"
)

// fileConfig is the optional YAML config file. Environment variables win
// over the file for the embedder endpoint and model.
type fileConfig struct {
	Detection scamscope.Config `yaml:"detection"`
	Embedder  embedder.Config  `yaml:"embedder"`
}

func main() {
	port := env("PORT", "8086")
	termsPath := env("TERMS_DB", "db/terms.db")
	adminUser := env("ADMIN_USER", "admin")
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if adminPassword == "" {
		slog.Error("ADMIN_PASSWORD is required")
		os.Exit(1)
	}
	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("admin password hash", "error", err)
		os.Exit(1)
	}

	// Optional config file; env still overrides the embedder endpoint.
	var cfg fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("config file", "path", path, "error", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			slog.Error("config parse", "path", path, "error", err)
			os.Exit(1)
		}
	}
	if v := os.Getenv("EMBED_ENDPOINT"); v != "" {
		cfg.Embedder.Endpoint = v
	}
	if v := os.Getenv("EMBED_MODEL"); v != "" {
		cfg.Embedder.Model = v
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Term store (seed phrases, exemplars, patterns, overrides).
	store, err := termstore.Open(termsPath)
	if err != nil {
		slog.Error("term store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.EnsureDefaults(ctx); err != nil {
		slog.Error("seed defaults", "error", err)
		os.Exit(1)
	}

	// Analytics snapshots share the terms database file.
	source, err := analytics.NewSQLiteSource(ctx, store.DB())
	if err != nil {
		slog.Error("analytics store", "error", err)
		os.Exit(1)
	}

	// Audit logger.
	auditLogger := audit.NewSQLiteLogger(store.DB(), logger)
	if err := auditLogger.Init(ctx); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}

	// Embedder. A missing endpoint runs the service in analytics-only mode;
	// an unreachable one starts degraded and recovers when the server does.
	emb := embedder.New(cfg.Embedder)
	if cfg.Embedder.Endpoint != "" && !embedder.WaitReady(ctx, emb, 30*time.Second) {
		slog.Warn("embedding server not ready, starting degraded",
			"endpoint", cfg.Embedder.Endpoint)
	}

	svc, err := scamscope.New(ctx, store, source, emb, cfg.Detection, logger,
		scamscope.WithAudit(auditLogger))
	if err != nil {
		slog.Error("scamscope service", "error", err)
		os.Exit(1)
	}

	// React to out-of-band term store edits.
	go svc.StartWatch(ctx)

	// Periodic audit pruning.
	if retention := cfg.Detection.AuditRetention; retention > 0 {
		go func() {
			tick := time.NewTicker(time.Hour)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					if n, err := auditLogger.Cleanup(ctx, retention); err != nil {
						slog.Warn("audit cleanup", "error", err)
					} else if n > 0 {
						slog.Info("audit pruned", "rows", n)
					}
				}
			}
		}()
	}

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "scamscope",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	adminOnly := basicAuth(adminUser, adminHash)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           svc.Routes(adminOnly),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// basicAuth guards the admin routes with Basic Auth against one bcrypt
// credential.
func basicAuth(user string, passwordHash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword(passwordHash, []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="scamscope admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
