package router

import "context"

// Detection is a semantic detector's verdict for one message.
type Detection struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"` // in [0,1]
}

// Detector answers one domain question about a message text, e.g. "is
// this a food request". Detectors are independent of each other; a
// detector failure degrades to a non-match for the turn.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string) (Detection, error)
}

// SemanticBinding wires a detector into the router: the intent a
// positive detection promotes to, and the set of classifier intents the
// detector is allowed to override. The override set keeps a confident
// detector from hijacking an unrelated, already-confident intent.
type SemanticBinding struct {
	Detector     Detector
	TargetIntent string
	OverrideSet  []string
}

func (b SemanticBinding) canOverride(rawIntent string) bool {
	for _, intent := range b.OverrideSet {
		if intent == rawIntent {
			return true
		}
	}
	return false
}
