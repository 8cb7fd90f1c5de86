// README: Gemini-backed provider. JSON-mode prompt over current region signals.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"alon/internal/types"
)

// SignalSummary renders current region conditions for the prompt. A nil or
// empty summary leaves the signals section as NONE.
type SignalSummary func(ctx context.Context, regionID types.ID) string

// Gemini asks a Gemini model for a baseline multiplier. It is never on the
// lookup path; calls happen on the profile tick through the Cache.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	clock   types.Clock
	signals SignalSummary
}

func NewGemini(ctx context.Context, apiKey string, clock types.Clock, signals SignalSummary) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel("gemini-2.0-flash")

	// Force JSON response for structured parsing.
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)

	return &Gemini{client: client, model: model, clock: clock, signals: signals}, nil
}

// Close cleans up the underlying client.
func (g *Gemini) Close() {
	g.client.Close()
}

type geminiSuggestion struct {
	Multiplier float64 `json:"multiplier"`
	Confidence float64 `json:"confidence"`
}

func (g *Gemini) Baseline(ctx context.Context, regionID types.ID, serviceKey string) (Suggestion, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(g.buildPrompt(ctx, regionID, serviceKey)))
	if err != nil {
		return Suggestion{}, fmt.Errorf("gemini generation error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Suggestion{}, fmt.Errorf("no response candidates from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}

	var out geminiSuggestion
	cleaned := cleanJSONString(text.String())
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return Suggestion{}, fmt.Errorf("parse gemini response: %w. Raw: %s", err, cleaned)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Suggestion{}, fmt.Errorf("gemini confidence %v out of range", out.Confidence)
	}
	if out.Multiplier < 1.0 {
		// Baselines never discount; pull stray model output up to par.
		out.Multiplier = 1.0
	}
	return Suggestion{
		Multiplier:   out.Multiplier,
		Confidence:   out.Confidence,
		ModelVersion: "gemini-2.0-flash",
	}, nil
}

func (g *Gemini) buildPrompt(ctx context.Context, regionID types.ID, serviceKey string) string {
	signals := "NONE"
	if g.signals != nil {
		if s := g.signals(ctx, regionID); s != "" {
			signals = s
		}
	}

	return fmt.Sprintf(`Role: You are the demand-forecast model for a Philippine ride-hailing pricing engine.
Context:
- Current System Time: %s
- Region: %s
- Service: %s
- Active Signals: %s

Task: Suggest a baseline surge multiplier for the next pricing window in this region.

RULES:
1. The multiplier MUST be between 1.0 and 2.0. 1.0 means no surge.
2. Confidence is your own calibration between 0.0 and 1.0. Report LOW
   confidence when signals are sparse, stale, or contradictory.
3. A quiet period with no signals is 1.0 at high confidence, not low.
4. Severe weather or large crowd signals justify higher multipliers;
   scale with how much of the region they cover.

Output JSON Schema:
{
  "multiplier": number,
  "confidence": number
}
`, g.clock.Now().Format(time.RFC3339), regionID, serviceKey, signals)
}

// cleanJSONString removes markdown code blocks if present (e.g. ```json ... ```)
func cleanJSONString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}
