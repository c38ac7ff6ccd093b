package collaborator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// ErrNoBaseURL is returned when an HTTP client is built without a base URL.
var ErrNoBaseURL = errors.New("collaborator base url is required")

const (
	retryWait    = 200 * time.Millisecond
	retryMaxWait = 2 * time.Second
)

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func newClient(cfg HTTPConfig) (*resty.Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.timeout()).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(isRetryableResp).
		SetHeader("Accept", "application/json")
	for k, v := range cfg.Headers {
		c.SetHeader(k, v)
	}
	return c, nil
}

// HTTPToolExecutor calls the tool execution service over HTTP:
//
//	POST /tools/{tool_id}/executions
type HTTPToolExecutor struct {
	http *resty.Client
}

var _ ToolExecutor = (*HTTPToolExecutor)(nil)

// NewHTTPToolExecutor creates a tool executor client.
func NewHTTPToolExecutor(cfg HTTPConfig) (*HTTPToolExecutor, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPToolExecutor{http: c}, nil
}

// Execute implements ToolExecutor. Any non-2xx reply is a
// *errors.CollaboratorError carrying the status code.
func (e *HTTPToolExecutor) Execute(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	var result ToolResult
	r := e.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&result)
	if req.IdempotencyKey != "" {
		r.SetHeader("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := r.Post("/tools/" + url.PathEscape(req.ToolID) + "/executions")
	if err != nil {
		return nil, &exerrors.CollaboratorError{Collaborator: "tool", Operation: req.ToolID, Err: err}
	}
	if resp.IsError() {
		return nil, &exerrors.CollaboratorError{
			Collaborator: "tool",
			Operation:    req.ToolID,
			StatusCode:   resp.StatusCode(),
			Err:          fmt.Errorf("%s", resp.String()),
		}
	}
	if result.ExecutionID == "" {
		return nil, &exerrors.CollaboratorError{Collaborator: "tool", Operation: req.ToolID, Err: errors.New("reply has no execution_id")}
	}
	return &result, nil
}

// HTTPNotifier posts notifications to the notification service:
//
//	POST /notifications
type HTTPNotifier struct {
	http *resty.Client
}

var _ Notifier = (*HTTPNotifier)(nil)

// NewHTTPNotifier creates a notifier client.
func NewHTTPNotifier(cfg HTTPConfig) (*HTTPNotifier, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPNotifier{http: c}, nil
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, msg Notification) error {
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(msg).
		Post("/notifications")
	if err != nil {
		return &exerrors.CollaboratorError{Collaborator: "notification", Operation: "notify", Err: err}
	}
	if resp.IsError() {
		return &exerrors.CollaboratorError{
			Collaborator: "notification",
			Operation:    "notify",
			StatusCode:   resp.StatusCode(),
			Err:          fmt.Errorf("%s", resp.String()),
		}
	}
	return nil
}
