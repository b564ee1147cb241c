package server

import (
	"context"
	"errors"
	"hanbok-fusion/app/auth"
	"hanbok-fusion/app/config"
	"hanbok-fusion/app/handler"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/metrics"
	"hanbok-fusion/app/middleware"
	"hanbok-fusion/app/notify"
	"hanbok-fusion/app/service"
	"hanbok-fusion/app/utils/inferencehelper"
	"hanbok-fusion/app/utils/storagehelper"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger

	gin      *gin.Engine
	http     *http.Server
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	notifier   notify.Notifier
	inference  *inferencehelper.Client
	dispatcher *service.Dispatcher
	sweeper    *service.Sweeper
	status     *service.StatusService
	jwt        *auth.JWTService
}

// New 创建一个新的 Server 实例，db 需已完成迁移
func New(cfg *config.Config, log *logger.Logger, db *gorm.DB) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("hanbok", registry)

	notifier, err := newNotifier(cfg.Notify, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Config:   cfg,
		Logger:   log,
		db:       db,
		registry: registry,
		metrics:  m,
		notifier: notifier,
		jwt:      auth.NewJWTService(cfg.JWT),
	}

	store := service.NewTaskStore(db, notifier, log)

	s.inference = inferencehelper.New(cfg.Inference.URL, cfg.Inference.Path, cfg.InferenceTimeout())
	s.dispatcher = service.NewDispatcher(store, s.inference, service.DispatcherConfig{
		WebhookURL:      cfg.Inference.WebhookURL,
		Timeout:         cfg.InferenceTimeout(),
		CacheTTL:        time.Duration(cfg.Dispatch.CacheTTL) * time.Minute,
		BreakerFailures: uint32(max(cfg.Inference.BreakerFailures, 0)),
		BreakerCooldown: time.Duration(cfg.Inference.BreakerCooldown) * time.Second,
	}, log, m)

	s.status = service.NewStatusService(store, notifier, service.StreamConfig{
		MaxConnections:    cfg.Stream.MaxConnections,
		PollInterval:      cfg.StreamPollInterval(),
		HeartbeatInterval: cfg.StreamHeartbeatInterval(),
	}, log, m)

	s.sweeper = service.NewSweeper(store, cfg.Dispatch.SweepSchedule, time.Duration(cfg.Dispatch.StaleAfter)*time.Minute, log, m)

	storage, err := newStorage(cfg.Storage, log)
	if err != nil {
		_ = notifier.Close()
		return nil, err
	}

	// 设置路由
	s.setupRoutes(
		handler.NewTaskHandler(log, s.dispatcher, s.status),
		handler.NewWebhookHandler(log, cfg.Webhook.Secret, service.NewWebhookService(store, log, m)),
		handler.NewUploadHandler(log, service.NewUploadService(storage, cfg.Storage.MaxUploadSize, log)),
	)

	return s, nil
}

func newNotifier(cfg config.NotifyConfig, log *logger.Logger) (notify.Notifier, error) {
	if cfg.Driver != "redis" {
		return notify.NewHub(), nil
	}

	n, err := notify.NewRedisNotifier(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.ChannelPrefix, log)
	if err != nil {
		return nil, err
	}
	log.Infof("任务变更通知使用 Redis: %s", cfg.RedisAddr)
	return n, nil
}

// newStorage 未配置对象存储时返回 nil，上传接口会返回存储错误
func newStorage(cfg config.StorageConfig, log *logger.Logger) (storagehelper.ObjectStorage, error) {
	if cfg.Endpoint == "" {
		log.Warn("未配置对象存储，上传接口不可用")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	storage, err := storagehelper.NewS3Storage(ctx, storagehelper.S3Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		PublicBaseURL:   cfg.PublicBaseURL,
		SignedURLExpire: time.Duration(cfg.SignedURLExpire) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return storage, nil
}

// Handler 返回路由，测试使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Dispatcher 返回派发器，测试等待后台任务使用
func (s *Server) Dispatcher() *service.Dispatcher {
	return s.dispatcher
}

// JWT 返回令牌服务
func (s *Server) JWT() *auth.JWTService {
	return s.jwt
}

// Start 启动服务器
func (s *Server) Start() error {
	if err := s.sweeper.Start(); err != nil {
		return err
	}

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 依次关闭 HTTP 服务、定时任务、后台派发和外部连接。
// 只有 SSE 长连接会被主动结束，处理中的普通请求会正常完成。
func (s *Server) Shutdown(ctx context.Context) error {
	s.status.Shutdown()
	httpErr := s.http.Shutdown(ctx)

	s.sweeper.Stop()

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn("等待后台推理请求超时，部分任务可能停留在处理中")
	}

	if err := s.inference.Close(); err != nil {
		s.Logger.Errorf("关闭推理客户端失败: %v", err)
	}
	if err := s.notifier.Close(); err != nil {
		s.Logger.Errorf("关闭通知服务失败: %v", err)
	}

	// 关闭数据库连接
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			s.Logger.Errorf("关闭数据库连接失败: %v", err)
		}
	}

	if errors.Is(httpErr, http.ErrServerClosed) {
		return nil
	}
	return httpErr
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes(taskHandler *handler.TaskHandler, webhookHandler *handler.WebhookHandler, uploadHandler *handler.UploadHandler) {
	s.gin.Use(middleware.Recovery(s.Logger), middleware.CORS(), middleware.Metrics(s.metrics), middleware.Logging(s.Logger))

	s.gin.GET("/healthz", s.healthz)
	s.gin.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// API路由组
	api := s.gin.Group("/api")

	// 推理服务回调（不需要JWT验证）
	api.POST("/hanbok-webhook", webhookHandler.HanbokWebhook)

	// SSE 允许通过查询参数传递令牌
	api.GET("/check-status-sse", middleware.StreamAuth(s.jwt), taskHandler.CheckStatusSSE)

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.jwt))
	{
		protected.POST("/upload-user-image", uploadHandler.UploadUserImage)
		protected.POST("/generate-hanbok-image", taskHandler.Generate)
		protected.GET("/check-status", taskHandler.CheckStatus)
		protected.POST("/check-status", taskHandler.CheckStatus)
	}
}

func (s *Server) healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"open_streams": s.status.OpenStreams(),
	})
}
