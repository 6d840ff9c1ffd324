package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"school_test_backend/internal/config"
	"school_test_backend/internal/controller"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/service"
	"school_test_backend/internal/util"
	"school_test_backend/pkg/configwatcher"
	"school_test_backend/pkg/database"
	"school_test_backend/pkg/logger"
	"school_test_backend/pkg/monitoring"
	"school_test_backend/pkg/security"
	"school_test_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config *config.Config
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client

	ctx             context.Context
	cancel          context.CancelFunc
	services        *services
	originPolicy    *security.OriginPolicy
	tracer          *sdktrace.TracerProvider
	configCallbacks []configwatcher.ConfigReloader
}

type repositories struct {
	user    *repository.UserRepository
	grade   *repository.GradeRepository
	test    *repository.TestRepository
	attempt *repository.AttemptRepository
	result  *repository.ResultRepository
}

type services struct {
	auth     *service.AuthService
	user     *service.UserService
	storage  *service.StorageService
	test     *service.TestService
	taking   *service.TestTakingService
	result   *service.ResultService
	hub      *service.TestHub
	closeout *service.CloseoutScheduler
}

type controllers struct {
	auth   *controller.AuthController
	user   *controller.UserController
	test   *controller.TestController
	result *controller.ResultController
	ws     *controller.WSController
	health *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback configwatcher.ConfigReloader) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:    repository.NewUserRepository(db),
		grade:   repository.NewGradeRepository(db),
		test:    repository.NewTestRepository(db),
		attempt: repository.NewAttemptRepository(db),
		result:  repository.NewResultRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*services, error) {
	s := &services{}

	storage, err := service.NewStorageService(a.ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.storage = storage

	s.hub = service.NewTestHub(rdb)
	s.hub.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || a.originPolicy.Allowed(origin)
	}
	go s.hub.Run(a.ctx)

	s.auth = service.NewAuthService(db, repos.user, repos.grade, cfg)
	s.user = service.NewUserService(db, repos.user, repos.grade)
	s.test = service.NewTestService(db, repos.test, repos.grade, s.storage)
	s.taking = service.NewTestTakingService(db, repos.test, repos.attempt, s.storage, s.hub)
	s.result = service.NewResultService(repos.test, repos.grade, repos.user, repos.result)
	s.closeout = service.NewCloseoutScheduler(s.taking)

	return s, nil
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:   controller.NewAuthController(s.auth),
		user:   controller.NewUserController(s.user),
		test:   controller.NewTestController(s.test, s.taking, s.hub),
		result: controller.NewResultController(s.result),
		ws:     controller.NewWSController(s.hub),
		health: controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(a.originPolicy))
	router.Use(security.Secure())

	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	router.Use(security.RateLimiter(a.ctx, cfg.RateLimit.MaxRequests, window))

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	gin.SetMode(cfg.Server.Mode)

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	app := &App{
		Config:       cfg,
		DB:           db,
		originPolicy: security.NewOriginPolicy(cfg.CORS.AllowedOrigins),
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	app.Redis = rdb

	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("school-test-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	repos := app.initRepositories(db)
	svcs, err := app.initServices(repos, cfg, db, rdb)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = svcs
	ctrls := app.initControllers(svcs, db, rdb)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, ctrls, cfg)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.RegisterConfigCallback(func(newCfg *config.Config) {
		app.originPolicy.Update(newCfg.CORS.AllowedOrigins)
	})
	app.RegisterConfigCallback(func(newCfg *config.Config) {
		logger.SetMode(newCfg.Server.Mode)
	})

	return app
}

func (a *App) startBackgroundTasks() {
	if err := a.services.closeout.Start(a.Config.Closeout.Schedule); err != nil {
		logger.Log.Error("Failed to start close-out scheduler", zap.Error(err))
	}

	go func() {
		configFile := filepath.Join("configs", "config.yaml")
		if err := configwatcher.WatchConfig(a.ctx, configFile, a.configCallbacks...); err != nil {
			logger.Log.Warn("Config watcher disabled", zap.Error(err))
		}
	}()
}

func (a *App) Run() {
	a.startBackgroundTasks()

	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号，5 秒内优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.services.closeout.Stop(ctx)
	a.services.hub.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	a.Close(ctx)

	logger.Log.Info("Server exiting")
}

// Close 释放后台任务与外部连接
func (a *App) Close(ctx context.Context) {
	a.cancel()

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Log.Sync()
}
