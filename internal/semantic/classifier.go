package semantic

import (
	"context"
	"fmt"
	"strings"
)

// IntentUnknown is the classifier verdict when no known intent fits.
const IntentUnknown = "unknown"

// IntentClassifier produces the first-pass intent verdict the router
// refines through its rule tiers.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

const classifierSystemPrompt = `You classify one user message from a hyperlocal commerce chat into exactly one intent. The message may mix English with Hindi or other Indian languages.

Known intents: %s

Respond with only the intent token. If none fits, respond with "unknown".`

// Classifier is the OpenAI-backed intent classifier.
type Classifier struct {
	client  *Client
	intents []string
}

// NewClassifier creates a classifier over the given known intents.
func NewClassifier(client *Client, intents ...string) *Classifier {
	return &Classifier{client: client, intents: intents}
}

// Classify returns the intent token for one message. A verdict outside
// the known set is normalized to unknown rather than trusted.
func (c *Classifier) Classify(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(classifierSystemPrompt, strings.Join(c.intents, ", "))
	content, err := c.client.complete(ctx, prompt, text)
	if err != nil {
		return "", err
	}
	verdict := strings.ToLower(strings.Trim(strings.TrimSpace(content), `"'.`))
	for _, intent := range c.intents {
		if verdict == intent {
			return intent, nil
		}
	}
	return IntentUnknown, nil
}

// StaticClassifier is the degraded-mode classifier used when no API key
// is configured: every message classifies as unknown, leaving routing
// entirely to the rule tiers and keyword detectors.
type StaticClassifier struct{}

// Classify always returns unknown.
func (StaticClassifier) Classify(ctx context.Context, text string) (string, error) {
	return IntentUnknown, nil
}
