package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/catalog"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/route/attachments"
	"github.com/chirino/chat-service/internal/plugin/route/chat"
	"github.com/chirino/chat-service/internal/plugin/route/conversations"
	routehistory "github.com/chirino/chat-service/internal/plugin/route/history"
	routesystem "github.com/chirino/chat-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-service/internal/plugin/store/metrics"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	serviceattachments "github.com/chirino/chat-service/internal/service/attachments"
	"github.com/chirino/chat-service/internal/service/history"
	"github.com/chirino/chat-service/internal/service/orchestrator"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Router          *gin.Engine
	Running         *RunningServers
	background      *errgroup.Group
	stopBackground  context.CancelFunc
	closeManagement func(context.Context) error
}

// Shutdown stops background work, waits for it until ctx expires, then drains the
// listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopBackground != nil {
		s.stopBackground()
	}
	if s.background != nil {
		done := make(chan error, 1)
		go func() { done <- s.background.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				log.Warn("Background work ended with error", "err", err)
			}
		case <-ctx.Done():
			log.Warn("Background work still running at shutdown deadline")
		}
	}
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	if s.Running == nil {
		return nil
	}
	return s.Running.Close(ctx)
}

// Dependencies are the loaded backends the API runs on.
type Dependencies struct {
	Store    registrystore.ChatStore
	Blobs    registryattach.BlobStore
	Cache    registrycache.HistoryCache
	Provider registryprovider.Provider
	Catalog  *catalog.Catalog
}

// LoadDependencies selects and initializes the configured plugins. The history cache
// is optional; a cache that fails to start is logged and skipped.
func LoadDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	attachLoader, err := registryattach.Select(cfg.AttachType)
	if err != nil {
		return nil, err
	}
	blobs, err := attachLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize attachment store: %w", err)
	}

	var cache registrycache.HistoryCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if cache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		cache = nil
	}

	providerLoader, err := registryprovider.Select(cfg.ProviderType)
	if err != nil {
		return nil, err
	}
	provider, err := providerLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model provider: %w", err)
	}

	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Dependencies{
		Store:    storemetrics.Wrap(store),
		Blobs:    blobs,
		Cache:    cache,
		Provider: provider,
		Catalog:  cat,
	}, nil
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"attachments", cfg.AttachType,
		"provider", cfg.ProviderType,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	deps, err := LoadDependencies(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attachmentMgr := serviceattachments.NewManager(deps.Store, deps.Blobs, serviceattachments.Options{
		MaxSize:      cfg.AttachmentMaxSize,
		URLExpiresIn: cfg.AttachmentURLExpiresIn,
	})
	historySvc := history.New(deps.Store, deps.Cache, deps.Catalog, cfg.HistoryCacheTTL)
	orch := orchestrator.New(deps.Store, attachmentMgr, deps.Provider, deps.Catalog, historySvc, orchestrator.Options{
		TitleTimeout: cfg.TitleTimeout,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	if err := registryroute.Mount(router, registryroute.RouteTypeMain); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	auth := security.AuthMiddleware(security.NewTokenResolver(cfg))
	chat.MountRoutes(router, orch, deps.Catalog, auth)
	conversations.MountRoutes(router, historySvc, orch, auth)
	routehistory.MountRoutes(router, historySvc, auth)
	attachments.MountRoutes(router, attachmentMgr, auth)

	stopCtx, stopBackground := context.WithCancel(ctx)
	background, bgCtx := errgroup.WithContext(stopCtx)
	cleanup := service.NewAttachmentCleanupService(attachmentMgr,
		cfg.AttachmentPendingTTL, cfg.AttachmentDeletedRetention, cfg.AttachmentCleanupInterval)
	background.Go(func() error {
		cleanup.Start(bgCtx)
		return nil
	})

	// Management routes go on their own port when one is configured, otherwise on
	// the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter, registryroute.RouteTypeManagement); err != nil {
			stopBackground()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			stopBackground()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		if err := registryroute.Mount(router, registryroute.RouteTypeManagement); err != nil {
			stopBackground()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		stopBackground()
		if closeManagement != nil {
			_ = closeManagement(context.Background())
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
		"models", deps.Catalog.Models(),
	)

	routesystem.AddReadinessCheck("store", deps.Store.Ping)
	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           deps.Store,
		Router:          router,
		Running:         running,
		background:      background,
		stopBackground:  stopBackground,
		closeManagement: closeManagement,
	}, nil
}
