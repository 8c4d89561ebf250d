package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/config"
	"github.com/nao1215/filegate/internal/identity"
	"github.com/nao1215/filegate/internal/metrics"
	"github.com/nao1215/filegate/internal/proxy"
	"github.com/nao1215/filegate/internal/publisher"
	"github.com/nao1215/filegate/internal/ratelimit"
	"github.com/nao1215/filegate/internal/respcache"
	"github.com/nao1215/filegate/internal/store"
	"github.com/nao1215/filegate/pkg/httpclient"
	"github.com/nao1215/filegate/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンに許容する最大時間。
const shutdownTimeout = 10 * time.Second

// Dependencies はServerが使用する外部接続。
type Dependencies struct {
	// Store は共有ストア。
	Store store.Store
	// Producer はイベントログへの送信を行う。
	Producer publisher.Producer
	// Logger はルートロガー。
	Logger zerolog.Logger
	// Sleep はスロットリングの待機に使う関数。nilの場合は実時間で待機する。
	Sleep SleepFunc
	// Closers はシャットダウン時に閉じる接続。
	Closers []func() error
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はリッスン中のHTTPサーバー。
	httpServer *http.Server
	// cfg はゲートウェイの設定。
	cfg *config.Config
	// logger はサーバー全体のロガー。
	logger zerolog.Logger
	// store は共有ストア。
	store store.Store
	// cache はレスポンスキャッシュ。
	cache *respcache.Cache
	// publisher はイベント送信。
	publisher *publisher.Publisher
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// pipeline はリクエスト処理のパイプライン。
	pipeline *Pipeline
	// closers はシャットダウン時に閉じる接続。
	closers []func() error
}

// NewServer は設定に従ってRedisとKafkaに接続し、新しいGatewayサーバーを生成する。
// Redisに接続できない場合も起動を続ける。
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	redisStore := store.NewRedis(store.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.StoreTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redisに接続できません。ストアなしで起動します")
	}

	producer := publisher.NewKafkaProducer(cfg.KafkaBrokers, logger.With().Str("component", "kafka").Logger())

	return New(cfg, Dependencies{
		Store:    redisStore,
		Producer: producer,
		Logger:   logger,
		Closers:  []func() error{redisStore.Close},
	})
}

// New は生成済みの依存を使ってGatewayサーバーを生成する。
func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	logger := deps.Logger
	m := metrics.New()

	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	cache := respcache.New(deps.Store,
		respcache.WithTTL(cfg.ResponseCacheTTL),
		respcache.WithMaxBodyBytes(cfg.ResponseCacheMaxBytes),
		respcache.WithLogger(component(logger, "respcache")),
	)

	pub := publisher.New(deps.Producer,
		publisher.WithQueueSize(cfg.EventQueueSize),
		publisher.WithPublishTimeout(cfg.EventPublishTimeout),
		publisher.WithLogger(component(logger, "publisher")),
		publisher.WithMetrics(m),
	)

	routes := []proxy.Route{
		{
			Name:         "auth",
			Prefix:       "/api/auth",
			TargetPrefix: cfg.AuthServicePrefix,
			Backend:      httpclient.New(cfg.AuthServiceURL, httpclient.WithTimeout(cfg.UpstreamTimeout)),
		},
		{
			Name:         "files",
			Prefix:       "/api/files",
			TargetPrefix: cfg.FileServicePrefix,
			Backend:      httpclient.New(cfg.FileServiceURL, httpclient.WithTimeout(cfg.UpstreamTimeout)),
		},
	}

	pipeline := &Pipeline{
		limiter: ratelimit.New(deps.Store, ratelimit.Policy{
			Window:    cfg.RateLimitWindow,
			HardCap:   cfg.RateLimitMax,
			SoftCap:   cfg.SlowDownAfter,
			BaseDelay: cfg.SlowDownDelay,
			MaxDelay:  cfg.SlowDownMaxDelay,
		}, component(logger, "ratelimit")),
		identities: identity.New(deps.Store, cfg.JWTSecret,
			identity.WithTTL(cfg.IdentityCacheTTL),
			identity.WithLogger(component(logger, "identity")),
		),
		cache:        cache,
		dispatcher:   proxy.NewDispatcher(routes, pub, component(logger, "proxy")),
		metrics:      m,
		logger:       component(logger, "pipeline"),
		maxBodyBytes: cfg.MaxBodyBytes,
		sleep:        sleep,
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(component(logger, "http")))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := &Server{
		router:    router,
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		cache:     cache,
		publisher: pub,
		metrics:   m,
		pipeline:  pipeline,
		closers:   deps.Closers,
	}
	s.setupRoutes()

	pub.Start(cfg.EventWorkers)
	return s, nil
}

// component はコンポーネント名を付けた子ロガーを返す。
func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	public := s.pipeline.Handle(false)
	protected := s.pipeline.Handle(true)

	// 認証エンドポイント（認証不要）
	auth := s.router.Group("/api/auth")
	auth.Use(s.observeRequests())
	{
		auth.POST("/register", public)
		auth.POST("/login", public)
	}

	// ファイルエンドポイント（認証必須）
	files := s.router.Group("/api/files")
	files.Use(s.observeRequests())
	{
		files.GET("", protected)
		files.GET("/:id", protected)
		files.POST("/upload", protected)
		files.GET("/:id/download", protected)
		files.DELETE("/:id", protected)
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	// メトリクス
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "エンドポイントが見つかりません",
			"code":  "not_found",
		})
	})
}

// observeRequests はリクエストの処理時間と結果をメトリクスに記録するミドルウェアを返す。
func (s *Server) observeRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.metrics.ObserveRequest(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
		if rc, ok := requestContextFrom(c); ok {
			s.logger.Debug().
				Str("request_id", rc.RequestID).
				Stringer("state", rc.State()).
				Bool("cache_hit", rc.CacheHit).
				Str("rate_action", rc.Decision.Action.String()).
				Msg("パイプラインの処理を終了しました")
		}
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
// 共有ストアが停止していてもゲートウェイは処理を続けるため、常に200を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, redis := "ok", "connected"
		if err := s.store.Ping(c.Request.Context()); err != nil {
			status, redis = "degraded", "disconnected"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": "gateway",
			"redis":   redis,
		})
	}
}

// Run はHTTPサーバーを起動し、ctxが終了するまで処理を続ける。
// ctxの終了後はグレースフルシャットダウンを行い、各接続を閉じる。
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Gatewayサービスを起動します")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			_ = s.Close(context.Background())
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return s.Close(context.Background())
	case <-ctx.Done():
	}

	s.logger.Info().Msg("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("HTTPサーバーの停止に失敗: %w", err))
	}
	if err := s.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// writeTimeout はスロットリングの最大遅延とバックエンドのタイムアウトを踏まえた書き込みタイムアウトを返す。
func (s *Server) writeTimeout() time.Duration {
	maxDelay := time.Duration(s.cfg.RateLimitMax-s.cfg.SlowDownAfter) * s.cfg.SlowDownDelay
	if s.cfg.SlowDownMaxDelay > 0 && maxDelay > s.cfg.SlowDownMaxDelay {
		maxDelay = s.cfg.SlowDownMaxDelay
	}
	return maxDelay + s.cfg.UpstreamTimeout + 10*time.Second
}

// Close はキャッシュの書き込みを待ち、イベント送信キューを排出してから接続を閉じる。
func (s *Server) Close(ctx context.Context) error {
	s.cache.Wait()

	var errs []error
	if err := s.publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("イベント送信の停止に失敗: %w", err))
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
