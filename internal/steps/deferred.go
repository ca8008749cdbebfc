package steps

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/gobus/internal/pipeline"
	"github.com/chris-alexander-pop/gobus/internal/timeoutmgr"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/logger"
)

// DeferredMessagesStepName names the step that intercepts messages
// carrying a deferred-until header and routes them to the timeout
// manager instead of the handler chain.
const DeferredMessagesStepName = "deferred-messages"

// DeferredMessagesStep inspects the incoming message's deferred-until
// header. When present, it strips the header, records the
// deferred-recipient header (or, when that is absent, the
// return-address) as the eventual recipient, hands the envelope to the
// timeout manager, and short-circuits local delivery.
//
// For transports with native future-delivery support, this step is
// removed from the pipeline at configuration time instead (the
// transport handles delay itself).
type DeferredMessagesStep struct {
	Manager *timeoutmgr.Manager
}

func (s *DeferredMessagesStep) Name() string { return DeferredMessagesStepName }

func (s *DeferredMessagesStep) Process(ctx context.Context, next pipeline.Next) error {
	mc, ok := FromContext(ctx)
	if !ok {
		return next(ctx)
	}

	dueStr, hasDue := mc.Message.Headers.Get(transport.HeaderDeferredUntil)
	if !hasDue {
		return next(ctx)
	}

	due, err := time.Parse(time.RFC3339, dueStr)
	if err != nil {
		logger.L().ErrorContext(ctx, "invalid deferred-until header, delivering immediately", "value", dueStr, "error", err)
		return next(ctx)
	}

	recipient, hasRecipient := mc.Message.Headers.Get(transport.HeaderDeferredRecipient)
	if !hasRecipient {
		recipient, _ = mc.Message.Headers.Get(transport.HeaderReturnAddress)
	}

	headers := mc.Message.Headers.Clone()
	headers.Delete(transport.HeaderDeferredUntil)

	return s.Manager.Defer(ctx, timeoutmgr.Envelope{
		ApproximateDueTime: due,
		Headers:            headers,
		Body:               mc.Message.Body,
		RecipientAddress:   recipient,
	})
}

// HandleDeferredStepName names the step that forwards messages
// stamped with deferred-recipient to that address.
const HandleDeferredStepName = "handle-deferred"

// HandleDeferredStep forwards a message stamped with
// deferred-recipient to that address, with the header removed, instead
// of running the normal handler chain. The bus inserts it right after
// the deferred-messages step whenever the transport lacks native
// delayed delivery: the timeout manager resends a due message with
// deferred-recipient still set, and this step passes it on.
type HandleDeferredStep struct {
	Forward ForwardFunc
}

func (s *HandleDeferredStep) Name() string { return HandleDeferredStepName }

func (s *HandleDeferredStep) Process(ctx context.Context, next pipeline.Next) error {
	mc, ok := FromContext(ctx)
	if !ok {
		return next(ctx)
	}

	recipient, has := mc.Message.Headers.Get(transport.HeaderDeferredRecipient)
	if !has {
		return next(ctx)
	}

	headers := mc.Message.Headers.Clone()
	headers.Delete(transport.HeaderDeferredRecipient)
	return s.Forward(ctx, recipient, &transport.Message{Headers: headers, Body: mc.Message.Body})
}
