package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jrzesz33/sns_messages/internal/models"
	appconfig "github.com/jrzesz33/sns_messages/pkg/config"
)

type mockDispatcher struct {
	failTopics map[string]bool
	dispatched []string
}

func (m *mockDispatcher) Dispatch(_ context.Context, message *models.OutboundMessage) error {
	if m.failTopics[message.TopicName] {
		return errors.New("publish failed")
	}
	m.dispatched = append(m.dispatched, message.ID)
	return nil
}

func record(t *testing.T, sqsID string, message *models.OutboundMessage) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return events.SQSMessage{MessageId: sqsID, Body: string(body)}
}

func TestSendMessagesHandler_HandleEvent(t *testing.T) {
	cfg := &appconfig.Config{Stage: models.StageDev}

	tests := []struct {
		name         string
		records      func(t *testing.T) []events.SQSMessage
		failTopics   map[string]bool
		wantFailures []string
		wantSent     int
	}{
		{
			name: "all dispatched",
			records: func(t *testing.T) []events.SQSMessage {
				return []events.SQSMessage{
					record(t, "sqs-1", models.NewOutboundMessage("orders", "", "a", nil)),
					record(t, "sqs-2", models.NewOutboundMessage("orders", "", "b", nil)),
				}
			},
			wantFailures: []string{},
			wantSent:     2,
		},
		{
			name: "failed topic is redelivered",
			records: func(t *testing.T) []events.SQSMessage {
				return []events.SQSMessage{
					record(t, "sqs-1", models.NewOutboundMessage("orders", "", "a", nil)),
					record(t, "sqs-2", models.NewOutboundMessage("billing", "", "b", nil)),
				}
			},
			failTopics:   map[string]bool{"billing": true},
			wantFailures: []string{"sqs-2"},
			wantSent:     1,
		},
		{
			name: "garbage body",
			records: func(t *testing.T) []events.SQSMessage {
				return []events.SQSMessage{{MessageId: "sqs-9", Body: "<xml/>"}}
			},
			wantFailures: []string{"sqs-9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &mockDispatcher{failTopics: tt.failTopics}
			handler := NewSendMessagesHandler(cfg, dispatcher, slog.Default())

			resp, err := handler.HandleEvent(context.Background(), events.SQSEvent{Records: tt.records(t)})
			if err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}

			if len(resp.BatchItemFailures) != len(tt.wantFailures) {
				t.Fatalf("failures = %v, want %v", resp.BatchItemFailures, tt.wantFailures)
			}
			for i, id := range tt.wantFailures {
				if resp.BatchItemFailures[i].ItemIdentifier != id {
					t.Errorf("failure[%d] = %v, want %v", i, resp.BatchItemFailures[i].ItemIdentifier, id)
				}
			}
			if len(dispatcher.dispatched) != tt.wantSent {
				t.Errorf("dispatched %d, want %d", len(dispatcher.dispatched), tt.wantSent)
			}
		})
	}
}
