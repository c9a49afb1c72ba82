package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"stratagen/internal/advice"
	"stratagen/internal/evidence"
	"stratagen/internal/profile"
)

// Command shells out to an external advisor executable for every operation.
// The advisor receives one JSON request on stdin and must print exactly one
// JSON response on stdout; stderr is diagnostic only. The operation name is
// appended as the final argument (generate, score, refine, or consistency).
type Command struct {
	Binary  string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

const (
	opGenerate    = "generate"
	opScore       = "score"
	opRefine      = "refine"
	opConsistency = "consistency"
)

// commandRequest is the stdin document for a single advisor call. Fields not
// relevant to the operation are omitted.
type commandRequest struct {
	Op            string                   `json:"op"`
	CorrelationID string                   `json:"correlation_id"`
	Pass          int                      `json:"pass"`
	Profile       profileWire              `json:"profile"`
	Evidence      []evidence.Bucket        `json:"evidence,omitempty"`
	Result        *advice.GenerationResult `json:"result,omitempty"`
	Score         *advice.QualityScore     `json:"score,omitempty"`
	AddedContext  []evidence.Bucket        `json:"added_context,omitempty"`
	Guidance      []string                 `json:"guidance,omitempty"`
}

// profileWire is the snake_case JSON view of a profile handed to external
// advisors and models.
type profileWire struct {
	ID       string   `json:"profile_id"`
	Name     string   `json:"name"`
	Industry string   `json:"industry"`
	Maturity string   `json:"maturity_phase"`
	Goals    []string `json:"goals"`
	KPIs     []string `json:"kpis"`
	Stack    []string `json:"stack,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

func wireProfile(p profile.Profile) profileWire {
	return profileWire{
		ID:       p.ID,
		Name:     p.Name,
		Industry: p.Industry,
		Maturity: p.Maturity.String(),
		Goals:    p.Goals,
		KPIs:     p.KPIs,
		Stack:    p.Stack,
		Notes:    p.Notes,
	}
}

func (c *Command) Name() string {
	return "command"
}

func (c *Command) GenerateInitial(ctx context.Context, inv Invocation) Result[*advice.GenerationResult] {
	start := time.Now()
	out, err := c.invoke(ctx, opGenerate, commandRequest{
		Op:            opGenerate,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Evidence:      inv.Evidence,
	}, inv)
	if err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	result, err := advice.ParseModelResult(out)
	if err != nil {
		return Fail[*advice.GenerationResult](fmt.Errorf("parse advisor response: %w", err), time.Since(start))
	}
	return Ok(&result, time.Since(start))
}

func (c *Command) ScoreQuality(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.QualityScore] {
	start := time.Now()
	out, err := c.invoke(ctx, opScore, commandRequest{
		Op:            opScore,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Result:        result,
	}, inv)
	if err != nil {
		return Fail[*advice.QualityScore](err, time.Since(start))
	}
	score, err := parseScoreResponse(out)
	if err != nil {
		return Fail[*advice.QualityScore](err, time.Since(start))
	}
	return Ok(score, time.Since(start))
}

func (c *Command) RefineWithContext(ctx context.Context, inv Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) Result[*advice.GenerationResult] {
	start := time.Now()
	out, err := c.invoke(ctx, opRefine, commandRequest{
		Op:            opRefine,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Evidence:      inv.Evidence,
		Result:        prev,
		Score:         score,
		AddedContext:  added,
		Guidance:      inv.Guidance,
	}, inv)
	if err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	result, err := advice.ParseModelResult(out)
	if err != nil {
		return Fail[*advice.GenerationResult](fmt.Errorf("parse advisor response: %w", err), time.Since(start))
	}
	return Ok(&result, time.Since(start))
}

func (c *Command) CheckConsistency(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.GenerationResult] {
	start := time.Now()
	out, err := c.invoke(ctx, opConsistency, commandRequest{
		Op:            opConsistency,
		CorrelationID: inv.CorrelationID,
		Pass:          inv.Pass,
		Profile:       wireProfile(inv.Profile),
		Result:        result,
	}, inv)
	if err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	checked, err := advice.ParseModelResult(out)
	if err != nil {
		return Fail[*advice.GenerationResult](fmt.Errorf("parse advisor response: %w", err), time.Since(start))
	}
	return Ok(&checked, time.Since(start))
}

func (c *Command) invoke(ctx context.Context, op string, req commandRequest, inv Invocation) ([]byte, error) {
	if c.Binary == "" {
		return nil, errors.New("advisor binary is required")
	}
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	payload = append(payload, '\n')

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.Args...), op)
	cmd := exec.CommandContext(runCtx, c.Binary, args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = mergeEnv(os.Environ(), c.Env)

	runErr := cmd.Run()
	if inv.ArtifactsDir != "" {
		writeCallArtifacts(inv.ArtifactsDir, inv.Pass, op, payload, stdout.Bytes(), stderr.Bytes())
	}
	if runErr != nil {
		code := exitCodeFromError(runErr)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("advisor %s exited %d: %s", op, code, msg)
		}
		return nil, fmt.Errorf("advisor %s exited %d: %w", op, code, runErr)
	}
	return stdout.Bytes(), nil
}

// writeCallArtifacts keeps per-call request/response files for debugging.
// Failures are ignored; artifacts never fail a run.
func writeCallArtifacts(dir string, pass int, op string, request, response, diag []byte) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	prefix := fmt.Sprintf("pass-%02d-%s", pass, op)
	_ = os.WriteFile(filepath.Join(dir, prefix+"-request.json"), request, 0o644)
	_ = os.WriteFile(filepath.Join(dir, prefix+"-response.json"), response, 0o644)
	if len(diag) > 0 {
		_ = os.WriteFile(filepath.Join(dir, prefix+"-stderr.log"), diag, 0o644)
	}
}

func parseScoreResponse(data []byte) (*advice.QualityScore, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var score advice.QualityScore
	if err := decoder.Decode(&score); err != nil {
		return nil, fmt.Errorf("parse score response: %w", err)
	}
	if err := advice.ValidateScore(score); err != nil {
		return nil, fmt.Errorf("invalid score response: %w", err)
	}
	return &score, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		seen[key] = struct{}{}
	}
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, ok := seen[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range overrides {
		merged = append(merged, fmt.Sprintf("%s=%s", key, value))
	}
	return merged
}

func exitCodeFromError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 124
	}
	return 1
}
