package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gin-gonic/gin"
	"github.com/jrzesz33/sns_messages/internal/cache"
	"github.com/jrzesz33/sns_messages/internal/httpapi"
	"github.com/jrzesz33/sns_messages/internal/identity"
	"github.com/jrzesz33/sns_messages/internal/logging"
	"github.com/jrzesz33/sns_messages/internal/messaging"
	"github.com/jrzesz33/sns_messages/internal/repository"
	"github.com/jrzesz33/sns_messages/internal/secrets"
	"github.com/jrzesz33/sns_messages/internal/topics"
	appconfig "github.com/jrzesz33/sns_messages/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logging.NewLogger("backend-app")

	if err := run(logger); err != nil {
		logger.Error("backend stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateBackend(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("backend starting",
		slog.String("stage", cfg.Stage.String()),
		slog.String("region", cfg.AWSRegion),
		slog.Int("port", cfg.HTTPPort),
	)

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	secretsManager := secrets.NewManager(secretsmanager.NewFromConfig(awsCfg), logger)

	topicCache, err := cache.FromConfig(ctx, cfg, secretsManager, logger)
	if err != nil {
		return err
	}
	defer topicCache.Close()

	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	deps := topics.Dependencies{
		Topics:        messaging.NewSNSClient(sns.NewFromConfig(awsCfg), logger),
		TopicRepo:     repository.NewDynamoDBTopicRepository(dynamoClient, cfg.TopicsTableName),
		Subscriptions: repository.NewDynamoDBSubscriptionRepository(dynamoClient, cfg.SubscriptionsTableName, cfg.SubscriptionsEndpointIndex),
		Cache:         topicCache,
		ARNs:          identity.NewARNResolver(sts.NewFromConfig(awsCfg), cfg.AWSRegion),
		Logger:        logger,
	}
	if cfg.MessagesQueueURL != "" {
		deps.Queue = messaging.NewQueueSender(sqs.NewFromConfig(awsCfg), cfg.MessagesQueueURL, logger)
	} else {
		logger.Warn("MESSAGES_QUEUE_URL not set, /publish is disabled")
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := httpapi.NewHandler(topics.NewService(deps), topicCache, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpapi.NewRouter(handler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}

	return nil
}
