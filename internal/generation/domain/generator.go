package domain

import (
	"context"
	"errors"
)

// Generator is the external generation collaborator. Perform is opaque to
// the credit core: it may take arbitrarily long and may fail after partial
// side effects on its own side. It is best-effort idempotent per
// operation id.
type Generator interface {
	Perform(ctx context.Context, operationID string, payload []byte) error
}

var (
	ErrGenerationFailed     = errors.New("generation_failed")
	ErrGeneratorUnavailable = errors.New("generator_unavailable")
)
