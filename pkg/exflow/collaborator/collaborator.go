// Package collaborator defines the external systems playbook actions call
// out to: tool execution and notification delivery.
//
// The HTTP implementations use resty with bounded timeouts. Failures are
// returned as *errors.CollaboratorError so the broker can tell retryable
// collaborator faults from permanent ones.
package collaborator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ToolRequest asks the tool execution service to run one tool.
type ToolRequest struct {
	TenantID    string         `json:"tenant_id"`
	ExceptionID string         `json:"exception_id"`
	ToolID      string         `json:"tool_id"`
	Payload     map[string]any `json:"payload,omitempty"`

	// IdempotencyKey is stable across retries of the same step.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ToolResult is the tool execution service's reply.
type ToolResult struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// ToolExecutor runs tools by ID.
type ToolExecutor interface {
	Execute(ctx context.Context, req ToolRequest) (*ToolResult, error)
}

// Notification is one message for the notification service.
type Notification struct {
	TenantID    string `json:"tenant_id"`
	ExceptionID string `json:"exception_id"`
	Channel     string `json:"channel,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Message     string `json:"message"`
}

// Notifier delivers notifications. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a logger instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, msg Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("tenant_id", msg.TenantID),
		slog.String("exception_id", msg.ExceptionID),
		slog.String("channel", msg.Channel),
		slog.String("recipient", msg.Recipient),
		slog.String("subject", msg.Subject),
		slog.String("message", msg.Message),
	)
	return nil
}

// NoopToolExecutor accepts every call without running anything. It is the
// fallback when no tool service is configured.
type NoopToolExecutor struct{}

// Execute implements ToolExecutor.
func (NoopToolExecutor) Execute(_ context.Context, req ToolRequest) (*ToolResult, error) {
	id := req.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	}
	return &ToolResult{ExecutionID: id, Status: "skipped"}, nil
}

// HTTPConfig configures an HTTP collaborator client.
type HTTPConfig struct {
	BaseURL string

	// Timeout bounds each request. Default 10s.
	Timeout time.Duration

	// RetryCount is the number of transport-level retries. Tool calls
	// default to none; the broker owns their retry policy.
	RetryCount int

	// Headers are sent with every request.
	Headers map[string]string
}

func (c HTTPConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}
