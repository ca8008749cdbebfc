// Package steps implements the bus's built-in incoming pipeline steps:
// retry/poison handling and deferred-message interception.
package steps

import (
	"context"

	"github.com/chris-alexander-pop/gobus/internal/errortracker"
	"github.com/chris-alexander-pop/gobus/internal/pipeline"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/internal/txcontext"
	"github.com/chris-alexander-pop/gobus/pkg/logger"
)

// ForwardFunc sends a transport.Message to destination, used by the
// retry step to dead-letter poison messages.
type ForwardFunc func(ctx context.Context, destination string, msg *transport.Message) error

// RetryStepName is the registered name of the retry step; it is always
// first in the incoming pipeline.
const RetryStepName = "retry"

// messageContextKey is how the current transport.Message and
// txcontext.Context are threaded through step Process calls.
type messageContextKey struct{}

// MessageContext bundles what the incoming pipeline operates on.
type MessageContext struct {
	Message *transport.Message
	Tx      *txcontext.Context
}

// WithMessageContext returns a context carrying mc, retrievable with
// FromContext.
func WithMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// FromContext retrieves the MessageContext stored by WithMessageContext.
func FromContext(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(*MessageContext)
	return mc, ok
}

// RetryStep is the first incoming step: it tracks handler failures per
// message-id and, once MaxDeliveryAttempts is reached, dead-letters the
// message to ErrorQueueAddress instead of letting it retry forever.
type RetryStep struct {
	Tracker             *errortracker.Tracker
	MaxDeliveryAttempts  int
	ErrorQueueAddress    string
	Forward              ForwardFunc
}

// Name implements pipeline.Step.
func (s *RetryStep) Name() string { return RetryStepName }

// Process implements pipeline.Step.
func (s *RetryStep) Process(ctx context.Context, next pipeline.Next) error {
	mc, ok := FromContext(ctx)
	if !ok {
		return next(ctx)
	}

	messageID, hasID := mc.Message.Headers.Get(transport.HeaderMessageID)
	if !hasID {
		logger.L().ErrorContext(ctx, "message has no message-id, dead-lettering without retry")
		if s.ErrorQueueAddress != "" && s.Forward != nil {
			poisoned := &transport.Message{
				Headers: mc.Message.Headers.Clone(),
				Body:    mc.Message.Body,
			}
			poisoned.Headers.Set(transport.HeaderErrorDetails, "message has no message-id")
			if fwdErr := s.Forward(ctx, s.ErrorQueueAddress, poisoned); fwdErr != nil {
				logger.L().ErrorContext(ctx, "failed to forward poison message to error queue", "error", fwdErr)
				return fwdErr
			}
		}
		return nil
	}

	err := next(ctx)
	if err == nil {
		s.Tracker.Clear(messageID)
		return nil
	}

	count := s.Tracker.RecordFailure(messageID, err.Error())
	maxAttempts := s.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	if count < maxAttempts {
		logger.L().WarnContext(ctx, "message handling failed, will be retried",
			"message_id", messageID, "attempt", count, "error", err)
		return err
	}

	logger.L().ErrorContext(ctx, "message exceeded max delivery attempts, dead-lettering",
		"message_id", messageID, "attempts", count, "error", err)

	if s.ErrorQueueAddress != "" && s.Forward != nil {
		poisoned := &transport.Message{
			Headers: mc.Message.Headers.Clone(),
			Body:    mc.Message.Body,
		}
		poisoned.Headers.Set(transport.HeaderErrorDetails, s.Tracker.Details(messageID))
		if fwdErr := s.Forward(ctx, s.ErrorQueueAddress, poisoned); fwdErr != nil {
			logger.L().ErrorContext(ctx, "failed to forward poison message to error queue", "error", fwdErr)
			return fwdErr
		}
	}

	s.Tracker.Clear(messageID)
	return nil
}
