package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jrzesz33/sns_messages/internal/logging"
	"github.com/jrzesz33/sns_messages/internal/messaging"
	"github.com/jrzesz33/sns_messages/internal/notification"
	appconfig "github.com/jrzesz33/sns_messages/pkg/config"
)

const maxAlertBody = 1024

// DeadLetterHandler reports messages that exhausted their delivery attempts
type DeadLetterHandler struct {
	config  *appconfig.Config
	alerter notification.Alerter
	logger  *slog.Logger
}

// NewDeadLetterHandler creates a handler. alerter may be nil, in which case
// dead messages are only logged.
func NewDeadLetterHandler(cfg *appconfig.Config, alerter notification.Alerter, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		config:  cfg,
		alerter: alerter,
		logger:  logger,
	}
}

// HandleEvent logs and alerts on every dead-lettered record. Records whose
// alert could not be delivered are reported for redelivery.
func (h *DeadLetterHandler) HandleEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{
		BatchItemFailures: []events.SQSBatchItemFailure{},
	}

	for _, record := range event.Records {
		alert := h.describe(ctx, record)

		if h.alerter == nil {
			continue
		}

		if err := h.alerter.Alert(ctx, alert); err != nil {
			h.logger.ErrorContext(ctx, "failed to send dead letter alert",
				slog.String("sqs_message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	return response, nil
}

// describe logs the dead record and builds its alert
func (h *DeadLetterHandler) describe(ctx context.Context, record events.SQSMessage) notification.Alert {
	title := fmt.Sprintf("sns-messages %s: message dead-lettered", h.config.Stage)
	receiveCount := record.Attributes["ApproximateReceiveCount"]

	message, err := messaging.ParseSQSRecord(record)
	if err != nil {
		h.logger.ErrorContext(ctx, "undecodable message dead-lettered",
			slog.String("sqs_message_id", record.MessageId),
			slog.String("receive_count", receiveCount),
			slog.String("error", err.Error()),
		)
		return notification.Alert{
			Title:    title,
			Message:  fmt.Sprintf("SQS message %s could not be decoded:\n%s", record.MessageId, truncate(record.Body)),
			Priority: "high",
			Tags:     []string{"warning"},
		}
	}

	h.logger.ErrorContext(ctx, "message dead-lettered",
		slog.String("message_id", message.ID),
		slog.String("sqs_message_id", record.MessageId),
		slog.String("topic_name", message.TopicName),
		slog.String("receive_count", receiveCount),
		slog.Time("created_date", message.CreatedDate),
	)

	return notification.Alert{
		Title: title,
		Message: fmt.Sprintf("Message %s for topic %s was not delivered after %s attempts.\n%s",
			message.ID, message.TopicName, receiveCount, truncate(message.Message)),
		Priority: "high",
		Tags:     []string{"warning", message.TopicName},
	}
}

// truncate cuts s to at most maxAlertBody bytes on a rune boundary
func truncate(s string) string {
	if len(s) <= maxAlertBody {
		return s
	}
	cut := maxAlertBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func main() {
	logger := logging.NewLogger("deadletter")

	cfg := appconfig.MustLoad()
	if err := cfg.ValidateDeadLetter(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	logger.Info("deadletter lambda starting",
		slog.String("stage", cfg.Stage.String()),
		slog.Bool("alerts_enabled", cfg.AlertWebhookURL != ""),
	)

	var alerter notification.Alerter
	if cfg.AlertWebhookURL != "" {
		alerter = notification.NewAlertClient(notification.AlertClientConfig{
			WebhookURL: cfg.AlertWebhookURL,
			Timeout:    5 * time.Second,
			MaxRetries: 3,
			Logger:     logger,
		})
	}

	handler := NewDeadLetterHandler(cfg, alerter, logger)

	lambda.Start(handler.HandleEvent)
}
