package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService returns a canned completion.
type mockChatService struct {
	content string
	err     error
	calls   int
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.content}},
		},
	}, nil
}

func testClient(chat chatService) *Client {
	return &Client{chat: chat, model: openai.ChatModelGPT4oMini}
}

func TestNewClientWiresChatService(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel(openai.ChatModelGPT4oMini))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if cli.chat == nil {
		t.Fatal("chat service not wired")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected an error without an API key")
	}
}

func TestDetectorParsesVerdict(t *testing.T) {
	mock := &mockChatService{content: `{"matched": true, "confidence": 0.82}`}
	d := NewDetector(testClient(mock), "food_detector", "Is the user asking to order food?")

	det, err := d.Detect(context.Background(), "pizza chahiye")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !det.Matched || det.Confidence != 0.82 {
		t.Errorf("detection = %+v, want matched 0.82", det)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

func TestDetectorStripsCodeFences(t *testing.T) {
	mock := &mockChatService{content: "```json\n{\"matched\": false, \"confidence\": 0.2}\n```"}
	d := NewDetector(testClient(mock), "parcel_detector", "Is the user asking to send a parcel?")

	det, err := d.Detect(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Matched {
		t.Error("detection should not have matched")
	}
}

func TestDetectorRejectsMalformedVerdict(t *testing.T) {
	cases := map[string]string{
		"prose":            "Yes, this is about food.",
		"confidence range": `{"matched": true, "confidence": 1.7}`,
	}
	for name, content := range cases {
		d := NewDetector(testClient(&mockChatService{content: content}), "food_detector", "q")
		if _, err := d.Detect(context.Background(), "x"); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestDetectorPropagatesAPIError(t *testing.T) {
	d := NewDetector(testClient(&mockChatService{err: errors.New("rate limited")}), "food_detector", "q")
	if _, err := d.Detect(context.Background(), "x"); err == nil {
		t.Error("expected the API error to surface")
	}
}

func TestClassifierNormalizesVerdict(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"order_food", "order_food"},
		{`"order_food"`, "order_food"},
		{"ORDER_FOOD", "order_food"},
		{"something_else", "unknown"},
		{"unknown", "unknown"},
	}
	for _, c := range cases {
		cl := NewClassifier(testClient(&mockChatService{content: c.content}), "order_food", "book_parcel", "greeting")
		got, err := cl.Classify(context.Background(), "text")
		if err != nil {
			t.Fatalf("Classify(%q): %v", c.content, err)
		}
		if got != c.want {
			t.Errorf("Classify with verdict %q = %q, want %q", c.content, got, c.want)
		}
	}
}

func TestKeywordDetector(t *testing.T) {
	d := NewKeywordDetector("food_detector", 0.75, "pizza", "biryani", "khana")

	det, err := d.Detect(context.Background(), "ek PIZZA bhejo")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !det.Matched || det.Confidence != 0.75 {
		t.Errorf("detection = %+v", det)
	}

	det, _ = d.Detect(context.Background(), "send a parcel")
	if det.Matched {
		t.Error("no term occurs, must not match")
	}
}

func TestStaticClassifier(t *testing.T) {
	got, err := StaticClassifier{}.Classify(context.Background(), "anything")
	if err != nil || got != IntentUnknown {
		t.Errorf("StaticClassifier = %q, %v", got, err)
	}
}
