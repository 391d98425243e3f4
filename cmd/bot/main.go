package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"otcdesk/internal/config"
	cronrunner "otcdesk/internal/cron"
	"otcdesk/internal/db"
	"otcdesk/internal/dispatch"
	"otcdesk/internal/engine"
	"otcdesk/internal/handler"
	"otcdesk/internal/logger"
	"otcdesk/internal/models"
	"otcdesk/internal/pricefeed"
	gormrepository "otcdesk/internal/repository/gorm"
	"otcdesk/internal/schedule"
	"otcdesk/internal/sweep"
	"otcdesk/internal/telemetry"
	"otcdesk/internal/wa"
)

func main() {
	cfgPath := os.Getenv("OTC_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("OTC_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)

	feedHTTP := &http.Client{Timeout: cfg.PriceFeed.Timeout}
	feeds := &pricefeed.Feeds{
		Binance:          pricefeed.NewBinanceClient(feedHTTP, cfg.PriceFeed.BinanceHost, cfg.PriceFeed.BinanceSymbol),
		CommercialDollar: pricefeed.NewCommercialDollarClient(feedHTTP, cfg.PriceFeed.AwesomeHost, cfg.PriceFeed.AwesomePair),
	}

	bridgeHTTP := &http.Client{Timeout: cfg.Bridge.Timeout}
	bridge := wa.NewClient(bridgeHTTP, wa.ClientOptions{
		Host:       cfg.Bridge.Host,
		Token:      cfg.Bridge.Token,
		MinSendGap: cfg.Bridge.MinSendGap,
		MaxSendGap: cfg.Bridge.MaxSendGap,
	})

	dealEngine := &engine.Service{Repo: store, Logger: logger}
	rules := schedule.New(store, logger, cfg.Schedule.RuleCacheTTL)
	dispatcher := &dispatch.Dispatcher{
		Repo:     store,
		Engine:   dealEngine,
		Rules:    rules,
		Feeds:    feeds,
		Notifier: bridge,
		Quotes:   dispatch.NewQuotes(),
		Logger:   logger,
	}
	sweeper := &sweep.Service{
		Repo:      store,
		Engine:    dealEngine,
		Notifier:  bridge,
		Logger:    logger,
		Interval:  cfg.Sweep.Interval,
		BatchSize: cfg.Sweep.BatchSize,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(handler.RequireBearerMiddleware(cfg.Server.AuthToken))

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(router)
	ruleHandler := &handler.RuleHandler{Repo: store, Schedule: rules}
	ruleHandler.Register(router)
	dealHandler := &handler.DealHandler{Repo: store, Engine: dealEngine}
	dealHandler.Register(router)
	settingsHandler := &handler.SettingsHandler{Repo: store}
	settingsHandler.Register(router)
	analyticsHandler := &handler.AnalyticsHandler{Repo: store}
	analyticsHandler.Register(router)
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		retentionDays := cfg.Cron.RetentionDays
		_, err = cronRunner.Add(cfg.Cron.Retention, func(ctx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			n, err := store.PruneArchivedDeals(ctx, cutoff)
			if err != nil {
				logger.Warn("archived deal prune failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("pruned archived deals", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register retention failed", zap.Error(err))
		}

		_, err = cronRunner.Add(cfg.Cron.FeedHealth, func(ctx context.Context) {
			probeCtx, cancel := context.WithTimeout(ctx, cfg.PriceFeed.Timeout)
			defer cancel()
			for _, source := range []string{models.PricingSourceUSDTBinance, models.PricingSourceCommercialDollar} {
				if _, err := feeds.BaseRate(probeCtx, source); err != nil {
					logger.Warn("price feed probe failed", zap.String("source", source), zap.Error(err))
				}
			}
		})
		if err != nil {
			logger.Warn("cron register feed health failed", zap.Error(err))
		}

		cronRunner.Start()
		defer cronRunner.Stop()
	}

	sweeper.Start(ctx)
	defer sweeper.Stop()

	stream := wa.NewStream(wa.StreamOptions{
		URL:        cfg.Bridge.StreamURL,
		Token:      cfg.Bridge.Token,
		BackoffMin: cfg.Bridge.BackoffMin,
		BackoffMax: cfg.Bridge.BackoffMax,
		Logger:     logger,
	})
	go func() {
		err := stream.Run(ctx, func(m wa.InboundMessage) {
			msg := dispatch.Message{
				GroupJID:   m.GroupJID,
				SenderJID:  m.SenderJID,
				SenderName: m.SenderName,
				Text:       m.Text,
				Intent:     dispatch.Intent(m.Intent),
				Side:       parseSide(m.Side),
			}
			// Each message is handled off the read loop: replies sleep
			// through the send pacing gap and must not stall the stream.
			go func() {
				handleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := dispatcher.Handle(handleCtx, msg); err != nil {
					logger.Warn("message dispatch failed",
						zap.String("group_jid", msg.GroupJID),
						zap.String("intent", string(msg.Intent)),
						zap.Error(err))
				}
			}()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("bridge stream stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// parseSide keeps only the classifier's two known trade directions; the
// dispatcher defaults anything else.
func parseSide(s string) models.DealSide {
	switch side := models.DealSide(s); side {
	case models.SideClientBuysUSDT, models.SideClientSellsUSDT:
		return side
	}
	return ""
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
