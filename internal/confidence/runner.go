package confidence

import (
	"context"
	"fmt"
	"strings"

	"apphub/internal/model"
	logx "apphub/pkg/logx"
)

// Analyzer produces analysis text for an image. Implementations wrap a
// vision model; the runner treats the output as opaque.
type Analyzer interface {
	Analyze(ctx context.Context, prompt, imageURL string) (string, error)
}

// Runner evaluates a captured image against every matching app.
type Runner struct {
	analyzer Analyzer
	log      logx.Logger
}

func NewRunner(analyzer Analyzer, log logx.Logger) *Runner {
	return &Runner{analyzer: analyzer, log: log}
}

// ProcessImage runs each enabled image-analysis app over the image
// description and returns one verdict per successful app. A failure in
// one app is logged and contributes no verdict; peers are unaffected.
func (r *Runner) ProcessImage(ctx context.Context, apps []model.App, description, imageURL string) []Verdict {
	var verdicts []Verdict
	for _, app := range apps {
		if !app.Enabled || !app.HasCapability(model.CapabilityImageAnalysis) {
			continue
		}
		if strings.TrimSpace(app.AnalysisPrompt) == "" {
			continue
		}
		threshold := app.ConfidenceThreshold
		if threshold <= 0 {
			threshold = DefaultThreshold
		}

		text, err := r.analyzer.Analyze(ctx, buildPrompt(app.AnalysisPrompt, description, threshold), imageURL)
		if err != nil {
			r.log.Warn("image analysis failed", logx.String("app", app.ID), logx.Err(err))
			continue
		}
		verdicts = append(verdicts, Evaluate(app.Name, text, threshold))
	}
	return verdicts
}

// buildPrompt augments the app's analysis prompt with the scoring
// instructions Evaluate expects responses to follow.
func buildPrompt(appPrompt, description string, threshold float64) string {
	return fmt.Sprintf(`%s

Image description: %s

INSTRUCTIONS:
- Analyze the image description for content relevant to your purpose
- Rate your confidence in the analysis on a scale of 0.0 to 1.0
- If confidence is below %.1f, respond with: "LOW_CONFIDENCE"
- Otherwise, provide your analysis followed by "CONFIDENCE: X.X" on the last line
- Be specific about what you can identify before providing analysis
- Only analyze content that is clearly visible and identifiable

Example response format:
[Your detailed analysis here...]
CONFIDENCE: 0.85`, appPrompt, description, threshold)
}
