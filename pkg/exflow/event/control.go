package event

import (
	"errors"
	"strconv"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// NewRetryScheduled builds the control event for a failed attempt of group
// processing src.
func NewRetryScheduled(src Envelope, group string, attempt int, delay time.Duration, cause error, opts ...Option) (Envelope, error) {
	opts = append([]Option{WithEventID(DerivedID(src.EventID, group, "retry", strconv.Itoa(attempt)))}, opts...)
	return New(src.Key(), TypeRetryScheduled, System, RetryScheduled{
		SourceEventID: src.EventID,
		ConsumerGroup: group,
		Attempt:       attempt,
		DelayMS:       delay.Milliseconds(),
		Error:         errString(cause),
	}, opts...)
}

// NewDeadLettered builds the control event recording that src was moved to
// the dead-letter store by group.
func NewDeadLettered(src Envelope, group string, retryCount int, cause error, opts ...Option) (Envelope, error) {
	opts = append([]Option{WithEventID(DerivedID(src.EventID, group, "dead_letter"))}, opts...)
	return New(src.Key(), TypeDeadLettered, System, DeadLettered{
		SourceEventID:   src.EventID,
		SourceEventType: src.Type,
		ConsumerGroup:   group,
		RetryCount:      retryCount,
		Error:           errString(cause),
		Category:        exerrors.Categorize(cause).String(),
	}, opts...)
}

// NewValidationFailed builds the control event recording a rejected event.
// sourceEventID may be empty when the rejected event never received an ID.
func NewValidationFailed(key Key, attempted Type, sourceEventID string, cause error, opts ...Option) (Envelope, error) {
	p := ValidationFailed{
		AttemptedType: string(attempted),
		SourceEventID: sourceEventID,
		Reason:        errString(cause),
	}
	if ve, ok := asValidation(cause); ok {
		p.Field = ve.Field
		p.Reason = ve.Message
	}
	if p.AttemptedType == "" {
		p.AttemptedType = "unknown"
	}
	if sourceEventID != "" {
		opts = append([]Option{WithEventID(DerivedID(sourceEventID, "validation_failed"))}, opts...)
	}
	return New(key, TypeValidationFailed, System, p, opts...)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func asValidation(err error) (*exerrors.ValidationError, bool) {
	var ve *exerrors.ValidationError
	if errors.As(err, &ve) && ve.Message != "" {
		return ve, true
	}
	return nil, false
}
