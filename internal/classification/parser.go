package classification

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

var (
	// "<digits>. <something>"; banners and diagnostics never match.
	predictionLine = regexp.MustCompile(`^\d+\.\s+\S`)
	indexPrefix    = regexp.MustCompile(`^\d+\.\s*`)
	// A hyphen only separates the confidence when whitespace is on either
	// side of it, so labels such as "go-kart" stay whole.
	confidenceSeparator = regexp.MustCompile(`\s-|-\s`)
)

// Parse turns engine stdout into predictions. Lines that do not look like
// predictions are skipped, never reported. Parse is pure.
func Parse(stdout string) []Prediction {
	predictions := make([]Prediction, 0)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !predictionLine.MatchString(line) {
			continue
		}

		left, right, hasConfidence := line, "", false
		if loc := confidenceSeparator.FindStringIndex(line); loc != nil {
			left, right, hasConfidence = line[:loc[0]], line[loc[1]:], true
		}

		label := strings.TrimSpace(indexPrefix.ReplaceAllString(left, ""))
		if label == "" {
			continue
		}

		p := Prediction{Label: label}
		if hasConfidence {
			p.Confidence = parseConfidence(right)
		}
		predictions = append(predictions, p)
	}
	return predictions
}

func parseConfidence(segment string) *float64 {
	segment = strings.TrimSpace(segment)
	segment = strings.TrimSpace(strings.TrimSuffix(segment, "%"))
	value, err := strconv.ParseFloat(segment, 64)
	if err != nil || math.IsNaN(value) || value < 0 || value > 100 {
		return nil
	}
	return &value
}

// DecodeOutput validates that raw engine output is UTF-8 text.
func DecodeOutput(raw []byte) (string, error) {
	text, _, err := transform.Bytes(encoding.UTF8Validator, raw)
	if err != nil {
		return "", fmt.Errorf("decode engine output: %w", err)
	}
	return string(text), nil
}
