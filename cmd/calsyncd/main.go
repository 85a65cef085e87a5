package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/internal/repository"
	"github.com/noah-isme/calsync-api/internal/service"
	syncengine "github.com/noah-isme/calsync-api/internal/sync"
	"github.com/noah-isme/calsync-api/pkg/cache"
	"github.com/noah-isme/calsync-api/pkg/config"
	"github.com/noah-isme/calsync-api/pkg/database"
	"github.com/noah-isme/calsync-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/calsync-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/calsync-api/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connect failed", "error", err)
	}
	defer db.Close()

	accountRepo := repository.NewAccountRepository(db)
	calendarRepo := repository.NewCalendarRepository(db)
	eventRepo := repository.NewEventRepository(db)
	ruleRepo := repository.NewCopyRuleRepository(db)
	legacyRepo := repository.NewConfigurationRepository(db)

	var cacheRepo *repository.CacheRepository
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, event cache disabled", "error", err)
		} else {
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
			defer cacheRepo.Close() //nolint:errcheck
		}
	}
	var cacheStore *service.CacheService
	if cacheRepo != nil {
		cacheStore = service.NewCacheService(cacheRepo, cfg.Cache.EventTTL, true, logr)
	}

	// Refreshed OAuth tokens are persisted the moment the transport mints
	// them, so a restart never resumes from a stale pair.
	dialer := caldav.NewDialer(&http.Client{Timeout: 30 * time.Second}, logr, func(accountID string, pair models.TokenPair) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := accountRepo.UpdateTokens(ctx, accountID, pair); err != nil {
			logr.Sugar().Warnw("token persist failed", "account_id", accountID, "error", err)
		}
	})

	reconciler := syncengine.NewReconciler(calendarRepo, eventRepo, logr)
	manager := syncengine.NewManager(accountRepo, calendarRepo, reconciler, dialer, cfg.Sync, logr)
	copier := syncengine.NewCopier(ruleRepo, eventRepo, calendarRepo, manager, logr)

	metrics := service.NewMetricsService()
	manager.SetObserver(metrics)

	syncService := service.NewSyncService(manager, calendarRepo, cacheStore, logr)
	copyRuleService := service.NewCopyRuleService(ruleRepo, calendarRepo, copier, cacheStore, validator.New(), logr)

	// After every pass: drop stale cached listings, then run copy rules.
	// Rules run even when the pass changed nothing, so a freshly created or
	// re-enabled rule starts copying without waiting for a source change;
	// the etag markers keep a no-change run cheap.
	manager.OnSynced(func(accountID string, result models.SyncResult) {
		syncService.HandleSynced(accountID, result)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if copied, err := copyRuleService.ExecuteAll(ctx); err != nil {
			logr.Sugar().Warnw("copy rules failed", "account_id", accountID, "error", err)
		} else if copied.Created > 0 || copied.Updated > 0 {
			logr.Sugar().Infow("copy rules executed",
				"account_id", accountID, "created", copied.Created, "updated", copied.Updated)
		}
	})

	migration := service.NewMigrationService(accountRepo, calendarRepo, legacyRepo, logr)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := migration.Run(startupCtx); err != nil {
		logr.Sugar().Warnw("legacy migration failed", "error", err)
	}
	cancelStartup()

	if err := manager.Start(context.Background()); err != nil {
		logr.Sugar().Fatalw("sync manager start failed", "error", err)
	}
	defer manager.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown failed", "error", err)
	}
}
