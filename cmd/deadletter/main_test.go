package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jrzesz33/sns_messages/internal/models"
	"github.com/jrzesz33/sns_messages/internal/notification"
	appconfig "github.com/jrzesz33/sns_messages/pkg/config"
)

type mockAlerter struct {
	err    error
	alerts []notification.Alert
}

func (m *mockAlerter) Alert(_ context.Context, alert notification.Alert) error {
	m.alerts = append(m.alerts, alert)
	return m.err
}

func deadRecord(t *testing.T, sqsID string, message *models.OutboundMessage) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return events.SQSMessage{
		MessageId:  sqsID,
		Body:       string(body),
		Attributes: map[string]string{"ApproximateReceiveCount": "5"},
	}
}

func TestDeadLetterHandler_HandleEvent(t *testing.T) {
	cfg := &appconfig.Config{Stage: models.StageProd}
	msg := models.NewOutboundMessage("orders", "", "order 42", nil)

	alerter := &mockAlerter{}
	handler := NewDeadLetterHandler(cfg, alerter, slog.Default())

	event := events.SQSEvent{Records: []events.SQSMessage{
		deadRecord(t, "sqs-1", msg),
		{MessageId: "sqs-2", Body: "not json"},
	}}

	resp, err := handler.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("failures = %v, want none", resp.BatchItemFailures)
	}
	if len(alerter.alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerter.alerts))
	}

	first := alerter.alerts[0]
	if !strings.Contains(first.Title, "prod") {
		t.Errorf("title = %q, want stage in title", first.Title)
	}
	for _, want := range []string{msg.ID, "orders", "5 attempts", "order 42"} {
		if !strings.Contains(first.Message, want) {
			t.Errorf("alert message %q missing %q", first.Message, want)
		}
	}
	if !strings.Contains(alerter.alerts[1].Message, "sqs-2") {
		t.Errorf("undecodable alert = %q", alerter.alerts[1].Message)
	}
}

func TestDeadLetterHandler_AlertFailure(t *testing.T) {
	cfg := &appconfig.Config{Stage: models.StageDev}
	alerter := &mockAlerter{err: errors.New("webhook down")}
	handler := NewDeadLetterHandler(cfg, alerter, slog.Default())

	event := events.SQSEvent{Records: []events.SQSMessage{
		deadRecord(t, "sqs-1", models.NewOutboundMessage("orders", "", "x", nil)),
	}}

	resp, err := handler.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "sqs-1" {
		t.Errorf("failures = %v, want [sqs-1]", resp.BatchItemFailures)
	}
}

func TestDeadLetterHandler_LogOnly(t *testing.T) {
	cfg := &appconfig.Config{Stage: models.StageDev}
	handler := NewDeadLetterHandler(cfg, nil, slog.Default())

	resp, err := handler.HandleEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "sqs-1", Body: "garbage"},
	}})
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("failures = %v, want none", resp.BatchItemFailures)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", maxAlertBody+10)
	if got := truncate(long); len(got) != maxAlertBody+3 {
		t.Errorf("len(truncate) = %d", len(got))
	}
	if got := truncate("short"); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}

	// byte maxAlertBody falls inside a two-byte rune
	multi := "a" + strings.Repeat("é", maxAlertBody)
	got := truncate(multi)
	if !utf8.ValidString(got) {
		t.Errorf("truncate() produced invalid UTF-8: %q", got[len(got)-8:])
	}
	if len(got) != maxAlertBody-1+3 {
		t.Errorf("len(truncate) = %d, want %d", len(got), maxAlertBody-1+3)
	}
}
