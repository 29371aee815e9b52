package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/events"
	"rtcsession/internal/core/ports"
	"rtcsession/internal/core/services"
	"rtcsession/internal/infrastructure/analytics"
	"rtcsession/internal/infrastructure/monitoring"
	"rtcsession/internal/infrastructure/sessioninfo"
	"rtcsession/internal/infrastructure/webrtc"
	"rtcsession/pkg/config"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	sessionID := flag.String("session", "", "session id (overrides api.session_id)")
	token := flag.String("token", "", "session token (overrides api.token)")
	publish := flag.Bool("publish", false, "publish a silent audio stream")
	subscribe := flag.Bool("subscribe", false, "subscribe to every remote stream")
	name := flag.String("name", "rtcsession", "name of the published stream")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *sessionID != "" {
		cfg.API.SessionID = *sessionID
	}
	if *token != "" {
		cfg.API.Token = *token
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rtcsession-client",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewClientCollector(registry)
	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("Serving Prometheus metrics", "address", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", "error", err)
			}
		}()
	}

	var (
		queue       *analytics.Queue
		redisClient *redis.Client
		analyticsLg ports.AnalyticsLogger = ports.NopAnalytics{}
	)
	if cfg.Analytics.Enabled {
		var sinks analytics.MultiSink
		if cfg.Analytics.URL != "" {
			sinks = append(sinks, analytics.NewHTTPSink(cfg.Analytics.URL, nil))
		}
		if cfg.Redis.Enabled {
			redisClient, err = analytics.NewRedisClient(context.Background(),
				cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
			if err != nil {
				log.Warnw("Redis analytics sink disabled", "error", err)
			} else {
				sinks = append(sinks, analytics.NewRedisSink(redisClient, cfg.Analytics.RedisChannel))
			}
		}
		if len(sinks) > 0 {
			var sink ports.AnalyticsSink = sinks
			if len(sinks) == 1 {
				sink = sinks[0]
			}
			queue = analytics.NewQueue(sink, cfg.Analytics.SendDelay, log)
			analyticsLg = analytics.NewLogger(queue, cfg.API.APIKey, log)
		} else {
			log.Warn("Analytics enabled but no sink configured")
		}
	}

	client := services.NewClient(services.ClientOptions{
		Config: cfg,
		Logger: zapLogger,
		SessionInfo: sessioninfo.NewRepository(sessioninfo.Options{
			BaseURL: cfg.API.URL,
			Logger:  log,
		}),
		Analytics: analyticsLg,
		Metrics:   collector,
		Observer:  collector,
	})
	client.Exceptions().On(func(ev services.ExceptionEvent) {
		log.Warnw("Client exception", "title", ev.Title, "code", int(ev.Code), "message", ev.Message)
	}, events.Deferred)

	session := client.NewSession(cfg.API.SessionID)
	disconnected := make(chan struct{})
	watchSession(session, log, *subscribe, disconnected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Rumor.ConnectTimeout)
	err = session.Connect(ctx, cfg.API.Token)
	cancel()
	if err != nil {
		log.Fatalw("Failed to connect", "session_id", cfg.API.SessionID, "error", err)
	}

	if *subscribe {
		for _, stream := range session.Streams.All() {
			if stream.ConnectionID() != session.Connection().ID {
				go subscribeTo(session, stream, log)
			}
		}
	}

	var pub *services.Publisher
	if *publish {
		pub = services.NewPublisher(client, services.PublisherOptions{
			Name:   *name,
			Source: webrtc.NewSilentAudioSource(log),
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Rumor.ConnectTimeout)
		err := session.Publish(ctx, pub)
		cancel()
		if err != nil {
			log.Errorw("Failed to publish", "error", err)
			pub = nil
		}
	}

	stopStats := make(chan struct{})
	go sampleStats(session, pub, cfg.WebRTC.StatsInterval, log, stopStats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
		session.Disconnect()
		select {
		case <-disconnected:
		case <-time.After(5 * time.Second):
			log.Warn("Timed out waiting for the session to close")
		}
	case <-disconnected:
		log.Info("Session ended")
	}
	close(stopStats)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if queue != nil {
		if err := queue.Drain(shutdownCtx); err != nil {
			log.Warnw("Analytics not fully delivered", "pending", queue.PendingCount(), "error", err)
		}
		queue.Stop()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error shutting down metrics server", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}
	log.Info("Client stopped")
}

// watchSession logs every session event and closes disconnected when the
// session ends.
func watchSession(s *services.Session, log *zap.SugaredLogger, subscribe bool, disconnected chan struct{}) {
	s.Events().On(func(ev services.SessionEvent) {
		switch ev.Type {
		case services.EventSessionConnected:
			log.Infow("Session connected", "connection_id", ev.Connection.ID)
		case services.EventSessionDisconnected:
			log.Infow("Session disconnected", "reason", ev.Reason)
			close(disconnected)
		case services.EventConnectionCreated:
			log.Infow("Connection created", "connection_id", ev.Connection.ID, "data", ev.Connection.Data)
		case services.EventConnectionDestroyed:
			log.Infow("Connection destroyed", "connection_id", ev.Connection.ID, "reason", ev.Reason)
		case services.EventStreamCreated:
			log.Infow("Stream created", "stream_id", ev.Stream.ID, "name", ev.Stream.Name,
				"audio", ev.Stream.HasAudio(), "video", ev.Stream.HasVideo())
			if subscribe {
				go subscribeTo(s, ev.Stream, log)
			}
		case services.EventStreamDestroyed:
			log.Infow("Stream destroyed", "stream_id", ev.Stream.ID, "reason", ev.Reason)
		case services.EventStreamPropertyChanged:
			log.Infow("Stream property changed", "stream_id", ev.Stream.ID,
				"property", ev.Change.Property, "old", ev.Change.OldValue, "new", ev.Change.NewValue)
		case services.EventArchiveStarted:
			log.Infow("Archive started", "archive_id", ev.Archive.ID, "name", ev.Archive.Name())
		case services.EventArchiveStopped:
			log.Infow("Archive stopped", "archive_id", ev.Archive.ID)
		case services.EventSignal:
			from := ""
			if ev.Signal.From != nil {
				from = ev.Signal.From.ID
			}
			log.Infow("Signal received", "type", ev.Signal.Type, "data", ev.Signal.Data, "from", from)
		}
	}, events.Deferred)
}

func subscribeTo(s *services.Session, stream *domain.Stream, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := s.Subscribe(ctx, stream, services.SubscriberOptions{})
	if err != nil {
		log.Warnw("Failed to subscribe", "stream_id", stream.ID, "error", err)
		return
	}
	if err := sub.WaitSubscribed(ctx); err != nil {
		log.Warnw("No media received", "stream_id", stream.ID, "error", err)
		return
	}
	log.Infow("Receiving media", "stream_id", stream.ID, "subscriber_id", sub.ID())
}

// sampleStats polls peer connection stats so bitrate histograms stay
// current.
func sampleStats(s *services.Session, pub *services.Publisher, interval time.Duration, log *zap.SugaredLogger, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pub != nil && pub.IsPublishing() {
				for remote, stats := range pub.GetStats() {
					log.Debugw("Publisher stats", "remote", remote,
						"audio_bps", stats.Audio.Bitrate, "video_bps", stats.Video.Bitrate)
				}
			}
			for _, sub := range s.Subscribers() {
				if !sub.IsSubscribing() {
					continue
				}
				if stats, err := sub.GetStats(); err == nil {
					log.Debugw("Subscriber stats", "subscriber_id", sub.ID(),
						"audio_bps", stats.Audio.Bitrate, "video_bps", stats.Video.Bitrate)
				}
			}
		}
	}
}
