package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/drydock/internal/generation"
	"github.com/randalmurphal/drydock/templates"
)

// ErrNoHypotheses is returned when an analysis pass produced nothing usable.
var ErrNoHypotheses = errors.New("analysis returned no hypotheses")

// maxHypotheses bounds the ranked list kept from one analysis.
const maxHypotheses = 5

// Hypothesis is one candidate explanation of a repeated failure.
type Hypothesis struct {
	Summary    string
	Confidence float64
	Evidence   []string
}

// Analysis is the tier 3 result.
type Analysis struct {
	// Hypotheses are ranked by confidence, highest first.
	Hypotheses      []Hypothesis
	MissingEvidence []string
	PatchStrategy   string
	InputTokens     int
	OutputTokens    int
}

// Analyzer runs tier 3 analysis passes through a generation endpoint.
type Analyzer struct {
	endpoint generation.Endpoint
	logger   *slog.Logger
}

// NewAnalyzer creates an analyzer. A nil logger uses slog.Default().
func NewAnalyzer(endpoint generation.Endpoint, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{endpoint: endpoint, logger: logger}
}

// Analyze performs one bounded analysis pass with an explicit token budget.
// The caller gates the pass on the run's remaining budget.
func (a *Analyzer) Analyze(ctx context.Context, h *Handoff, r *Retrieval, budget int) (*Analysis, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("analysis budget must be positive, got %d", budget)
	}
	if h == nil {
		return nil, errors.New("analysis requires a handoff")
	}

	system, err := templates.System("analyst")
	if err != nil {
		return nil, err
	}
	prompt, err := templates.Render("analysis", map[string]any{
		"RunID":         h.RunID,
		"PhaseID":       h.PhaseID,
		"Handoff":       h.Render(),
		"Retrieval":     r.Render(),
		"MaxHypotheses": maxHypotheses,
	})
	if err != nil {
		return nil, err
	}

	res, err := generation.GenerateJSON[analysisDoc](ctx, a.endpoint, generation.Request{System: system, Prompt: prompt, MaxTokens: budget})
	var analysis *Analysis
	switch {
	case err == nil:
		analysis, err = res.Data.analysis()
	case errors.Is(err, generation.ErrDecode):
		// Near-JSON replies get the repair passes before they are rejected.
		analysis, err = ParseAnalysis(res.Response.Text)
	default:
		return nil, fmt.Errorf("analysis dispatch: %w", err)
	}
	resp := res.Response
	if err != nil {
		a.logger.Warn("analysis output unusable",
			"run_id", h.RunID,
			"phase_id", h.PhaseID,
			"stop_reason", resp.StopReason,
			"error", err,
		)
		return nil, err
	}
	analysis.InputTokens = resp.InputTokens
	analysis.OutputTokens = resp.OutputTokens
	a.logger.Info("analysis complete",
		"run_id", h.RunID,
		"phase_id", h.PhaseID,
		"hypotheses", len(analysis.Hypotheses),
		"output_tokens", resp.OutputTokens,
	)
	return analysis, nil
}

// analysisDoc is the object the analyst prompt asks for.
type analysisDoc struct {
	Hypotheses []struct {
		Summary    string   `json:"summary"`
		Confidence float64  `json:"confidence"`
		Evidence   []string `json:"evidence"`
	} `json:"hypotheses"`
	MissingEvidence []string `json:"missing_evidence"`
	PatchStrategy   string   `json:"patch_strategy"`
}

func (d analysisDoc) analysis() (*Analysis, error) {
	out := &Analysis{PatchStrategy: d.PatchStrategy, MissingEvidence: d.MissingEvidence}
	for _, h := range d.Hypotheses {
		out.Hypotheses = append(out.Hypotheses, Hypothesis{Summary: h.Summary, Confidence: h.Confidence, Evidence: h.Evidence})
	}
	return rankHypotheses(out)
}

// ParseAnalysis reads an analysis object, repairing near-JSON first.
func ParseAnalysis(text string) (*Analysis, error) {
	doc, err := RepairJSON(text, DefaultMaxRepairPasses)
	if err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}

	out := &Analysis{PatchStrategy: gjson.Get(doc, "patch_strategy").String()}
	gjson.Get(doc, "hypotheses").ForEach(func(_, v gjson.Result) bool {
		hyp := Hypothesis{
			Summary:    v.Get("summary").String(),
			Confidence: v.Get("confidence").Float(),
		}
		for _, e := range v.Get("evidence").Array() {
			hyp.Evidence = append(hyp.Evidence, e.String())
		}
		out.Hypotheses = append(out.Hypotheses, hyp)
		return true
	})
	for _, m := range gjson.Get(doc, "missing_evidence").Array() {
		out.MissingEvidence = append(out.MissingEvidence, m.String())
	}
	return rankHypotheses(out)
}

// rankHypotheses drops unnamed hypotheses, clamps confidences and keeps the best
// maxHypotheses, highest first.
func rankHypotheses(out *Analysis) (*Analysis, error) {
	kept := out.Hypotheses[:0]
	for _, h := range out.Hypotheses {
		if h.Summary == "" {
			continue
		}
		h.Confidence = clamp01(h.Confidence)
		kept = append(kept, h)
	}
	out.Hypotheses = kept
	if len(out.Hypotheses) == 0 {
		return nil, ErrNoHypotheses
	}
	sort.SliceStable(out.Hypotheses, func(i, j int) bool {
		return out.Hypotheses[i].Confidence > out.Hypotheses[j].Confidence
	})
	if len(out.Hypotheses) > maxHypotheses {
		out.Hypotheses = out.Hypotheses[:maxHypotheses]
	}
	return out, nil
}

// Render formats the analysis for a builder prompt.
func (a *Analysis) Render() string {
	if a == nil {
		return ""
	}
	s := "Ranked hypotheses:\n"
	for i, h := range a.Hypotheses {
		s += fmt.Sprintf("%d. %s (confidence %.2f)\n", i+1, h.Summary, h.Confidence)
		for _, e := range h.Evidence {
			s += "   - " + e + "\n"
		}
	}
	if len(a.MissingEvidence) > 0 {
		s += "\nMissing evidence:\n"
		for _, m := range a.MissingEvidence {
			s += "- " + m + "\n"
		}
	}
	if a.PatchStrategy != "" {
		s += "\nPatch strategy: " + a.PatchStrategy + "\n"
	}
	return s
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}
