//go:build property

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBridgeErrorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(2468)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("classification survives wrapping", prop.ForAll(
		func(depth int, msg string) bool {
			var err error = NewDecodeError(msg, nil)
			for i := 0; i < depth; i++ {
				err = fmt.Errorf("layer %d: %w", i, err)
			}
			return IsDecodeError(err) && IsRecoverable(err) && !IsConnectionError(err)
		},
		gen.IntRange(0, 20),
		gen.AlphaString(),
	))

	properties.Property("error text carries code and message", prop.ForAll(
		func(code, msg string) bool {
			err := NewProtocolError(code, msg, nil)
			s := err.Error()
			return strings.Contains(s, "["+code+"]") && strings.Contains(s, msg)
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("collection reports every field", prop.ForAll(
		func(fields []string) bool {
			var vec ValidationErrorCollection
			for _, f := range fields {
				vec.AddField(f, nil, "invalid")
			}
			be := vec.ToBridgeError()
			if len(fields) == 0 {
				return be == nil
			}
			if be == nil || !errors.Is(be, &BridgeError{Type: ErrorTypeConfig, Code: ErrCodeValidationFailed}) {
				return false
			}
			for _, f := range fields {
				if _, ok := be.Context[f]; !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
