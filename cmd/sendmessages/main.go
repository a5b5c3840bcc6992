package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jrzesz33/sns_messages/internal/cache"
	"github.com/jrzesz33/sns_messages/internal/identity"
	"github.com/jrzesz33/sns_messages/internal/logging"
	"github.com/jrzesz33/sns_messages/internal/messaging"
	"github.com/jrzesz33/sns_messages/internal/models"
	"github.com/jrzesz33/sns_messages/internal/repository"
	"github.com/jrzesz33/sns_messages/internal/secrets"
	"github.com/jrzesz33/sns_messages/internal/topics"
	appconfig "github.com/jrzesz33/sns_messages/pkg/config"
)

// Dispatcher publishes one queued message
type Dispatcher interface {
	Dispatch(ctx context.Context, message *models.OutboundMessage) error
}

// SendMessagesHandler fans queued messages out to SNS
type SendMessagesHandler struct {
	config         *appconfig.Config
	dispatcher     Dispatcher
	batchProcessor *messaging.SQSBatchProcessor
	logger         *slog.Logger
}

// NewSendMessagesHandler creates a new handler instance
func NewSendMessagesHandler(cfg *appconfig.Config, dispatcher Dispatcher, logger *slog.Logger) *SendMessagesHandler {
	return &SendMessagesHandler{
		config:         cfg,
		dispatcher:     dispatcher,
		batchProcessor: messaging.NewSQSBatchProcessor(logger),
		logger:         logger,
	}
}

// HandleEvent processes an SQS batch and reports the records to redeliver
func (h *SendMessagesHandler) HandleEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	h.logger.InfoContext(ctx, "processing SQS batch",
		slog.Int("record_count", len(event.Records)),
		slog.String("stage", h.config.Stage.String()),
	)

	response := h.batchProcessor.ProcessBatch(ctx, event, h.dispatcher.Dispatch)

	h.logger.InfoContext(ctx, "batch processing completed",
		slog.Int("total_records", len(event.Records)),
		slog.Int("failed_records", len(response.BatchItemFailures)),
	)

	return response, nil
}

func main() {
	logger := logging.NewLogger("sendmessages")

	cfg := appconfig.MustLoad()
	if err := cfg.ValidateSendMessages(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	logger.Info("sendmessages lambda starting",
		slog.String("stage", cfg.Stage.String()),
		slog.String("region", cfg.AWSRegion),
	)

	ctx := context.Background()

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	topicCache, err := cache.FromConfig(ctx, cfg, secrets.NewManager(secretsmanager.NewFromConfig(awsCfg), logger), logger)
	if err != nil {
		logger.Error("failed to set up cache", slog.String("error", err.Error()))
		panic(fmt.Sprintf("failed to set up cache: %v", err))
	}

	snsClient := messaging.NewSNSClient(sns.NewFromConfig(awsCfg), logger)

	service := topics.NewService(topics.Dependencies{
		Topics:    snsClient,
		TopicRepo: repository.NewDynamoDBTopicRepository(dynamodb.NewFromConfig(awsCfg), cfg.TopicsTableName),
		Cache:     topicCache,
		ARNs:      identity.NewARNResolver(sts.NewFromConfig(awsCfg), cfg.AWSRegion),
		Logger:    logger,
	})

	dispatcher := topics.NewDispatcher(service, snsClient, topicCache, logger)

	handler := NewSendMessagesHandler(cfg, dispatcher, logger)

	lambda.Start(handler.HandleEvent)
}
