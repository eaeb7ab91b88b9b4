package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	httphandlers "roomcast/internal/handlers/http"
	"roomcast/internal/infrastructure/engine"
	"roomcast/internal/infrastructure/hls"
	"roomcast/internal/infrastructure/middleware"
	"roomcast/internal/infrastructure/monitoring"
	signalws "roomcast/internal/infrastructure/signal"
	"roomcast/pkg/config"
	"roomcast/pkg/logger"
	"roomcast/pkg/retry"
	"roomcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/roomcast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Media engine and router. Engine creation binds UDP ports, so a busy
	// port range gets a few attempts before giving up.
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.Media.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	codecs := make([]engine.CodecConfig, 0, len(cfg.Media.Codecs))
	for _, c := range cfg.Media.Codecs {
		codecs = append(codecs, engine.CodecConfig{
			Kind:        domain.MediaKind(c.Kind),
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			PayloadType: c.PayloadType,
			Parameters:  c.Parameters,
		})
	}

	engineCfg := engine.Config{
		ICEServers: iceServers,
		Codecs:     codecs,
	}
	engineCfg.PortRange.Min = cfg.Media.PortRange.Min
	engineCfg.PortRange.Max = cfg.Media.PortRange.Max

	mediaEngine, err := retry.RetryWithResult(context.Background(), retry.DefaultConfig(), func() (*engine.Engine, error) {
		return engine.New(engineCfg, log)
	})
	if err != nil {
		log.Fatalw("failed to create media engine", "error", err)
	}

	router, err := mediaEngine.CreateRouter(context.Background())
	if err != nil {
		log.Fatalw("failed to create router", "error", err)
	}

	// Room registry
	room := services.NewRoom(router, log)

	// Monitoring
	metrics := monitoring.NewCollector(prometheus.DefaultRegisterer)

	health := monitoring.NewHealthChecker()
	health.AddEngineCheck(mediaEngine.Alive, 10*time.Second, time.Second)

	// Signaling
	wsServer := signalws.NewWebSocketServer(room, router, metrics, log)
	wsServer.SetPingInterval(cfg.Signal.PingInterval)
	wsServer.SetReadTimeout(cfg.Signal.PongTimeout)
	if cfg.RateLimiting.Enabled {
		wsServer.SetMessageRate(cfg.RateLimiting.WebSocket.MessagesPerSecond, cfg.RateLimiting.WebSocket.Burst)
	}

	// RTMP to HLS bridge
	var bridge *hls.Bridge
	if cfg.HLS.Enabled {
		bridge = hls.NewBridge(hls.Config{
			FFmpegPath:      cfg.HLS.FFmpegPath,
			RTMPBaseURL:     cfg.HLS.RTMPBaseURL,
			OutputDir:       cfg.HLS.OutputDir,
			SegmentSeconds:  cfg.HLS.SegmentSeconds,
			PlaylistLength:  cfg.HLS.PlaylistLength,
			AudioBitrate:    cfg.HLS.AudioBitrate,
			ShutdownTimeout: cfg.HLS.StopTimeout,
		}, metrics, log)
		health.AddHLSOutputCheck(cfg.HLS.OutputDir, 30*time.Second, 2*time.Second)
		health.AddFFmpegCheck(cfg.HLS.FFmpegPath, time.Minute, 2*time.Second)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	defer healthCancel()
	health.StartBackgroundChecks(healthCtx)

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	ginRouter.Use(middleware.MetricsMiddleware(metrics))
	if cfg.Tracing.Enabled {
		ginRouter.Use(middleware.TracingMiddleware())
	}

	roomHandler := httphandlers.NewRoomHandler(room, wsServer, health)
	roomHandler.SetupRoutes(ginRouter)

	if bridge != nil {
		ingestHandler := httphandlers.NewIngestHandler(bridge, cfg.HLS.OutputDir)
		ingestHandler.SetupRoutes(ginRouter)
	}

	if cfg.Monitoring.PrometheusEnabled {
		ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		exitCode = 1

	case err := <-mediaEngine.Died():
		// The media plane is gone and every transport with it. Keep
		// serving for a short grace period so in-flight responses drain,
		// then exit and let the supervisor restart the process.
		log.Errorw("media engine died, exiting after grace period",
			"error", err,
			"grace_period", cfg.Media.DeathGracePeriod,
		)
		time.Sleep(cfg.Media.DeathGracePeriod)
		exitCode = 1

	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	wsServer.Shutdown(shutdownCtx)
	if bridge != nil {
		bridge.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown error", "error", err)
	}
	if err := mediaEngine.Close(); err != nil {
		log.Warnw("engine close error", "error", err)
	}

	log.Info("shutdown complete")
	os.Exit(exitCode)
}
