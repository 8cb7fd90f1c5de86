package forecast

import (
	"context"

	"alon/internal/types"
)

// Static returns a fixed suggestion. It is the default provider and the
// fallback when no model key is configured.
type Static struct {
	Multiplier float64
	Confidence float64
}

// NewStatic returns the neutral provider: no surge, full confidence.
func NewStatic() Static {
	return Static{Multiplier: 1.0, Confidence: 1.0}
}

func (s Static) Baseline(context.Context, types.ID, string) (Suggestion, error) {
	return Suggestion{
		Multiplier:   s.Multiplier,
		Confidence:   s.Confidence,
		ModelVersion: "static",
	}, nil
}
