package steps

import (
	"context"

	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/pipeline"
	"github.com/chris-alexander-pop/gobus/internal/saga"
	"github.com/chris-alexander-pop/gobus/internal/serializer"
)

// DispatchStepName names the final incoming step: deserialize, then
// hand the logical message to the saga engine (if it claims the
// message type) or the plain dispatcher otherwise.
const DispatchStepName = "dispatch"

// DispatchStep is the terminal incoming step.
type DispatchStep struct {
	Serializer serializer.Serializer
	Dispatcher *dispatcher.Dispatcher
	Sagas      *saga.Engine // nil disables saga routing entirely
}

func (s *DispatchStep) Name() string { return DispatchStepName }

func (s *DispatchStep) Process(ctx context.Context, next pipeline.Next) error {
	mc, ok := FromContext(ctx)
	if !ok {
		return next(ctx)
	}

	logical, err := s.Serializer.Deserialize(mc.Message)
	if err != nil {
		return err
	}

	if s.Sagas != nil && s.Sagas.HasHandlers(logical.TypeName) {
		if err := s.Sagas.Dispatch(ctx, logical, logical.Headers); err != nil {
			return err
		}
		return next(ctx)
	}

	if err := s.Dispatcher.Dispatch(ctx, logical); err != nil {
		return err
	}

	return next(ctx)
}
