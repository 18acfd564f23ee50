// Package confidence turns free-form analysis text into a
// display/notify decision.
//
// Models are instructed to end their analysis with a "CONFIDENCE: X.X"
// line, or to answer "LOW_CONFIDENCE" outright. The parsing here is
// deliberately string-based and tolerant: a response that follows the
// format gets a numeric gate, anything else falls back to heuristics.
package confidence

import (
	"strconv"
	"strings"
	"time"
)

// DefaultThreshold applies when an app does not configure its own.
const DefaultThreshold = 0.7

const (
	lowConfidenceSentinel = "low_confidence"
	confidenceMarker      = "confidence:"
	minDisplayLength      = 15
)

// negativeResultPhrases suppress unscored responses that amount to
// "nothing found".
var negativeResultPhrases = []string{
	"not relevant", "no relevant", "nothing relevant", "cannot identify",
	"unable to identify", "not present", "not visible", "nothing visible",
	"not applicable", "n/a", "no content", "nothing to analyze",
}

// alertKeywords trigger the notify flag independently of confidence.
var alertKeywords = []string{"alert:", "warning:", "important:", "notification:"}

// Verdict is the outcome of evaluating one app's analysis text.
type Verdict struct {
	AppName    string         `json:"app_name"`
	Text       string         `json:"message"`
	Confidence *float64       `json:"confidence,omitempty"`
	Display    bool           `json:"should_display"`
	Notify     bool           `json:"should_notify"`
	At         time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// Evaluate decides whether rawText should be displayed and whether it
// warrants a notification.
//
// Display rules, in order:
//  1. explicit LOW_CONFIDENCE sentinel anywhere ⇒ false
//  2. parsed confidence from the last "CONFIDENCE:" line vs threshold
//  3. fallback heuristics (negative phrases, minimum length)
//
// Notify is computed independently from the alert keyword set.
func Evaluate(appName, rawText string, threshold float64) Verdict {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	lower := strings.ToLower(rawText)

	v := Verdict{
		AppName: appName,
		Text:    rawText,
		Display: true,
		At:      time.Now(),
		Data:    map[string]any{},
	}

	if strings.Contains(lower, lowConfidenceSentinel) {
		v.Display = false
	} else if score, ok := ParseScore(rawText); ok {
		v.Confidence = &score
		v.Display = score >= threshold
	} else if hasNegativePhrase(lower) || len(strings.TrimSpace(rawText)) < minDisplayLength {
		v.Display = false
	}

	for _, kw := range alertKeywords {
		if strings.Contains(lower, kw) {
			v.Notify = true
			break
		}
	}
	return v
}

// ParseScore extracts the confidence value from text.
//
// The *last* line containing the marker wins (models sometimes echo the
// instructions, which also mention it), and the value is whatever
// follows the final ':' on that line.
func ParseScore(text string) (float64, bool) {
	var line string
	for _, l := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(l), confidenceMarker) {
			line = l
		}
	}
	if line == "" {
		return 0, false
	}
	idx := strings.LastIndex(line, ":")
	if idx < 0 || idx+1 >= len(line) {
		return 0, false
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

func hasNegativePhrase(lower string) bool {
	for _, p := range negativeResultPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
