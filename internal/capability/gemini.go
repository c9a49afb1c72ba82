package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	genai "google.golang.org/genai"

	"stratagen/internal/advice"
	"stratagen/internal/evidence"
)

// DefaultGeminiModel is the model used when none is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini runs every operation through the Gemini API in JSON mode. The
// genai client reads GEMINI_API_KEY from the environment. Responses are
// strict-parsed; a malformed model response fails the call rather than
// propagating a partial document.
type Gemini struct {
	cli   *genai.Client
	model string
}

func NewGemini(ctx context.Context, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{cli: cli, model: model}, nil
}

func (g *Gemini) Name() string {
	return "gemini:" + g.model
}

func (g *Gemini) GenerateInitial(ctx context.Context, inv Invocation) Result[*advice.GenerationResult] {
	start := time.Now()
	out, err := g.generateJSON(ctx, inv, opGenerate, geminiGeneratePrompt, commandRequest{
		Op:            opGenerate,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Evidence:      inv.Evidence,
	})
	if err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	result, err := advice.ParseModelResult(out)
	if err != nil {
		return Fail[*advice.GenerationResult](fmt.Errorf("parse model response: %w", err), time.Since(start))
	}
	return Ok(&result, time.Since(start))
}

func (g *Gemini) ScoreQuality(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.QualityScore] {
	start := time.Now()
	out, err := g.generateJSON(ctx, inv, opScore, geminiScorePrompt, commandRequest{
		Op:            opScore,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Result:        result,
	})
	if err != nil {
		return Fail[*advice.QualityScore](err, time.Since(start))
	}
	score, err := parseScoreResponse(out)
	if err != nil {
		return Fail[*advice.QualityScore](err, time.Since(start))
	}
	return Ok(score, time.Since(start))
}

func (g *Gemini) RefineWithContext(ctx context.Context, inv Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) Result[*advice.GenerationResult] {
	start := time.Now()
	out, err := g.generateJSON(ctx, inv, opRefine, geminiRefinePrompt, commandRequest{
		Op:            opRefine,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Evidence:      inv.Evidence,
		Result:        prev,
		Score:         score,
		AddedContext:  added,
		Guidance:      inv.Guidance,
	})
	if err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	result, err := advice.ParseModelResult(out)
	if err != nil {
		return Fail[*advice.GenerationResult](fmt.Errorf("parse model response: %w", err), time.Since(start))
	}
	return Ok(&result, time.Since(start))
}

func (g *Gemini) CheckConsistency(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.GenerationResult] {
	start := time.Now()
	out, err := g.generateJSON(ctx, inv, opConsistency, geminiConsistencyPrompt, commandRequest{
		Op:            opConsistency,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Result:        result,
	})
	if err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	checked, err := advice.ParseModelResult(out)
	if err != nil {
		return Fail[*advice.GenerationResult](fmt.Errorf("parse model response: %w", err), time.Since(start))
	}
	return Ok(&checked, time.Since(start))
}

// generateJSON concatenates prompt and input, asks for application/json,
// and returns the model's raw JSON text.
func (g *Gemini) generateJSON(ctx context.Context, inv Invocation, op, prompt string, input any) ([]byte, error) {
	in, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s input: %w", op, err)
	}
	full := prompt + "\n\n[INPUT JSON]\n" + string(in)

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini %s: %w", op, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("empty model response")
	}
	text := resp.Candidates[0].Content.Parts[0].Text

	if inv.ArtifactsDir != "" {
		if err := os.MkdirAll(inv.ArtifactsDir, 0o755); err == nil {
			prefix := fmt.Sprintf("pass-%02d-%s", inv.Pass, op)
			_ = os.WriteFile(filepath.Join(inv.ArtifactsDir, prefix+"-prompt.txt"), []byte(full+"\n"), 0o644)
			_ = os.WriteFile(filepath.Join(inv.ArtifactsDir, prefix+"-response.json"), []byte(text), 0o644)
		}
	}
	return []byte(text), nil
}

const geminiGeneratePrompt = `You are a marketing strategy advisor. Produce an initial set of
strategic recommendations for the profile in the input JSON.

Respond with a single JSON object of this exact shape:
{"schema_version": "1.0", "title": "...", "summary": "...",
 "recommendations": [{"id": "REC-1", "title": "...", "rationale": "...",
   "priority": "high|medium|low", "timeline": "...", "kpis": ["..."],
   "stack_refs": ["..."], "evidence": ["..."], "expected_impact": "..."}]}

Rules:
- Recommendation ids must be unique.
- kpis and evidence must always be arrays, possibly empty.
- Only cite evidence refs that appear in the input evidence buckets; never
  invent refs.
- Match the depth of the plan to the profile's maturity_phase.
- No prose outside the JSON object.`

const geminiScorePrompt = `You are a marketing strategy reviewer. Score the recommendation
document in the input JSON on five dimensions, each 0.0 to 5.0:

- specificity: concrete, profile-grounded actions over generic advice
- stack_alignment: recommendations reference the profile's actual tools
- maturity_fit: scope matches the profile's maturity_phase
- measurement_rigor: KPIs named, benefits quantified, impact stated
- actionability: timelines present, rationale substantial

Respond with a single JSON object of this exact shape:
{"specificity": 0.0, "stack_alignment": 0.0, "maturity_fit": 0.0,
 "measurement_rigor": 0.0, "actionability": 0.0, "overall": 0.0,
 "issues": ["..."]}

overall is the mean of the five dimension scores. No prose outside the
JSON object.`

const geminiRefinePrompt = `You are a marketing strategy advisor. Improve the recommendation
document in the input JSON using the newly added evidence buckets in
added_context. The score field shows where the previous revision fell
short, and guidance lists concrete reviewer suggestions; address both,
weakest dimensions first.

Return the complete revised document (same shape as the input result,
schema_version "1.0"), not a patch. Keep recommendation ids stable where
the recommendation survives. Only cite evidence refs present in the
input. No prose outside the JSON object.`

const geminiConsistencyPrompt = `You are a marketing strategy reviewer. Check the recommendation
document in the input JSON for internal contradictions: conflicting
timelines, recommendations that undermine each other, KPIs claimed
without matching recommendations, or evidence cited for claims it does
not support.

Return the complete document (same shape as the input result,
schema_version "1.0"): unchanged if it is consistent, otherwise with the
contradictions resolved and everything else preserved. Keep
recommendation ids stable. No prose outside the JSON object.`
