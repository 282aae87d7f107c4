// Command oxicloudd is the server entry point: load configuration, open
// the storage core, mount the protocol layers, and serve until a signal
// asks it to stop. Grounded on cmd/revad/runtime's bootstrap shape
// (parse config, build logger, start HTTP server, handle signals) minus
// the gRPC/tracing/plugin-registry machinery reva needs for federation —
// a single-node storage core has no cluster to register itself with.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DioCrafts/OxiCloud-sub001/internal/config"
	"github.com/DioCrafts/OxiCloud-sub001/internal/logger"
	"github.com/DioCrafts/OxiCloud-sub001/internal/metrics"
	"github.com/DioCrafts/OxiCloud-sub001/internal/services"
	appctxmw "github.com/DioCrafts/OxiCloud-sub001/internal/http/interceptors/appctx"
	logmw "github.com/DioCrafts/OxiCloud-sub001/internal/http/interceptors/log"
	"github.com/DioCrafts/OxiCloud-sub001/internal/http/services/api"
	"github.com/DioCrafts/OxiCloud-sub001/internal/http/services/caldav"
	"github.com/DioCrafts/OxiCloud-sub001/internal/http/services/carddav"
	"github.com/DioCrafts/OxiCloud-sub001/internal/http/services/webdav"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/auth"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore/localfs"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/chunkupload"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/db"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mapping"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/weblock"
)

func main() {
	// Bootstrap pass: resolve just enough configuration (struct defaults
	// plus environment) to find the storage root and open the database;
	// everything else is re-resolved once the settings table exists.
	boot, err := config.Load(nil)
	if err != nil {
		panic(err)
	}

	if err := os.MkdirAll(boot.StoragePath, 0o755); err != nil {
		panic(err)
	}
	conn, err := db.Open(filepath.Join(boot.StoragePath, "oxicloud.db"))
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	cfg, err := config.Load(&config.SQLSettings{DB: conn})
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg, os.Stderr)
	log.Info().Str("storage_path", cfg.StoragePath).Int("port", cfg.Port).Msg("starting oxicloudd")

	blobs, err := localfs.New(cfg.StoragePath, conn)
	if err != nil {
		log.Fatal().Err(err).Msg("error opening blob store")
	}

	fileIDs, err := mapping.Load(filepath.Join(cfg.StoragePath, "file_ids.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("error loading file id map")
	}
	folderIDs, err := mapping.Load(filepath.Join(cfg.StoragePath, "folder_ids.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("error loading folder id map")
	}

	cache := metacache.New(cfg.CacheFileTTL, cfg.CacheDirTTL, cfg.CacheMaxSize)
	defer cache.Close()

	repo := repository.New(conn, blobs, fileIDs, folderIDs, cache, cfg.StoragePath,
		cfg.FileOpTimeout, cfg.DirOpTimeout)

	uploads, err := chunkupload.New(filepath.Join(cfg.StoragePath, ".uploads"), cfg.DefaultChunkSize, 24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("error opening chunk upload engine")
	}
	defer uploads.Close()

	uploadSvc := services.NewUploadService(uploads, repo)

	locks := weblock.New()

	authSvc := auth.Service(auth.NewJWTService(cfg.JWTSecret))
	if cfg.OIDCEnabled && cfg.OIDCIssuer != "" {
		oidcSvc, err := auth.NewOIDCService(context.Background(), cfg.OIDCIssuer, "")
		if err != nil {
			log.Fatal().Err(err).Msg("error initializing oidc auth service")
		}
		authSvc = auth.Chain(authSvc, oidcSvc)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, cache, uploads, conn); err != nil {
		log.Fatal().Err(err).Msg("error registering metrics")
	}

	webdavHandler := webdav.New(repo, repo, locks, uploads, cfg.MaxUploadSize, cfg.ChunkUploadThreshold, &log)
	caldavHandler := caldav.New(repo, repo, &log)
	carddavHandler := carddav.New(repo, repo, &log)
	apiHandler := api.New(repo, repo, blobs, uploadSvc, conn, &log)

	r := chi.NewRouter()
	r.Use(appctxmw.New(log))
	r.Use(logmw.New())
	r.Use(auth.Middleware(authSvc, []string{"/metrics", "/healthz"}, &log))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", metrics.Handler(reg))
	r.Mount("/webdav", metrics.Instrument("webdav", webdavHandler.Routes()))
	r.Mount("/caldav", metrics.Instrument("caldav", caldavHandler.Routes()))
	r.Mount("/carddav", metrics.Instrument("carddav", carddavHandler.Routes()))
	r.Mount("/api", metrics.Instrument("api", apiHandler.Routes()))

	srv := &http.Server{
		Addr:              cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("error serving http")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}
}
