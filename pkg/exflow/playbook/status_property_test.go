package playbook_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

func TestProperty_CompletedStepsFormAPrefix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("completions advance one step at a time and never duplicate", prop.ForAll(
		func(orders []int) bool {
			f := newFixture(t)
			if _, err := f.engine.Recalculate(ctx, key); err != nil {
				return false
			}

			expected := 0
			for _, order := range orders {
				_, err := f.engine.CompleteStep(ctx, complete(order))
				switch {
				case err == nil:
					if order == expected+1 {
						expected++
					}
				case isPrecondition(err):
					if order == expected+1 && expected < 5 {
						return false
					}
				default:
					return false
				}
			}

			st, err := f.engine.Status(ctx, key)
			if err != nil {
				return false
			}
			for _, s := range st.Steps {
				if (s.StepOrder <= expected) != (s.Status == playbook.StepCompleted) {
					return false
				}
			}
			if countType(f.events(t), event.TypePlaybookStepCompleted) != expected {
				return false
			}

			exc, err := f.store.GetException(ctx, key)
			if err != nil {
				return false
			}
			if expected == 5 {
				return *exc.CurrentStep == exception.StepCompleted && st.State == playbook.StateCompleted
			}
			return *exc.CurrentStep == expected+1
		},
		gen.SliceOfN(12, gen.IntRange(1, 6)),
	))

	properties.TestingRun(t)
}

func isPrecondition(err error) bool {
	var pe *exerrors.PreconditionError
	return errors.As(err, &pe)
}
