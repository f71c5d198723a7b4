package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skyagarwal/mangwale-core/internal/router"
)

const detectorSystemPrompt = `You answer exactly one yes/no question about a user message from a hyperlocal commerce chat. The message may mix English with Hindi or other Indian languages.

Question: %s

Respond with only a JSON object, no prose, no code fences:
{"matched": true or false, "confidence": number between 0.0 and 1.0}`

// Detector asks the model one domain question about a message, e.g.
// "is the user asking to order food". It satisfies the router's
// detector contract.
type Detector struct {
	client   *Client
	name     string
	question string
}

// NewDetector creates a named detector for the given question.
func NewDetector(client *Client, name, question string) *Detector {
	return &Detector{client: client, name: name, question: question}
}

// Name returns the detector's name, used in route decision reasons.
func (d *Detector) Name() string { return d.name }

// Detect asks the model the detector's question about the text.
func (d *Detector) Detect(ctx context.Context, text string) (router.Detection, error) {
	content, err := d.client.complete(ctx, fmt.Sprintf(detectorSystemPrompt, d.question), text)
	if err != nil {
		return router.Detection{}, err
	}
	return parseDetection(content)
}

// parseDetection decodes the model's JSON verdict. Models occasionally
// wrap JSON in code fences despite instructions, so fences are stripped
// before decoding.
func parseDetection(content string) (router.Detection, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var det router.Detection
	if err := json.Unmarshal([]byte(content), &det); err != nil {
		return router.Detection{}, fmt.Errorf("failed to parse detector response %q: %w", content, err)
	}
	if det.Confidence < 0 || det.Confidence > 1 {
		return router.Detection{}, fmt.Errorf("detector confidence %v out of range", det.Confidence)
	}
	return det, nil
}

// KeywordDetector is the degraded-mode detector used when no API key is
// configured: a term list match with a fixed confidence.
type KeywordDetector struct {
	name       string
	terms      []string
	confidence float64
}

// NewKeywordDetector creates a term-list detector.
func NewKeywordDetector(name string, confidence float64, terms ...string) *KeywordDetector {
	return &KeywordDetector{name: name, terms: terms, confidence: confidence}
}

// Name returns the detector's name.
func (d *KeywordDetector) Name() string { return d.name }

// Detect reports a match when any configured term occurs in the text.
func (d *KeywordDetector) Detect(ctx context.Context, text string) (router.Detection, error) {
	lowered := strings.ToLower(text)
	for _, term := range d.terms {
		if strings.Contains(lowered, strings.ToLower(term)) {
			return router.Detection{Matched: true, Confidence: d.confidence}, nil
		}
	}
	return router.Detection{}, nil
}
