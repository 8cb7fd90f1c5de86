// README: Baseline demand suggestions; the model is opaque to everything else.
package forecast

import (
	"context"

	"alon/internal/types"
)

// Suggestion is one model output for a (region, service) pair.
type Suggestion struct {
	Multiplier   float64 `json:"multiplier"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// Provider produces baseline suggestions. Implementations may call out to a
// paid model; composition only ever reads through the Cache.
type Provider interface {
	Baseline(ctx context.Context, regionID types.ID, serviceKey string) (Suggestion, error)
}
