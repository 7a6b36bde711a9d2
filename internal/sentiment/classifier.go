package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/go-resty/resty/v2"
)

// MaxTextLength bounds the text handed to an oracle; longer text is truncated
const MaxTextLength = 2000

// ErrClassification wraps every per-item oracle failure
var ErrClassification = errors.New("classification failed")

// Classifier is the text-classification oracle
type Classifier interface {
	Classify(ctx context.Context, text string) (models.SentimentResult, error)
}

// Truncate cuts text to at most MaxTextLength runes
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxTextLength {
		return text
	}
	return string(runes[:MaxTextLength])
}

// LexiconClassifier is a keyword-based oracle used when no model endpoint is configured
type LexiconClassifier struct{}

var (
	positiveWords = []string{
		"bullish", "moon", "pump", "breakout", "rally", "gain", "profit", "ath", "adoption",
		"partnership", "launch", "upgrade", "great", "good", "love", "awesome", "strong", "buy",
	}
	negativeWords = []string{
		"bearish", "dump", "crash", "rug", "scam", "hack", "exploit", "loss", "sell",
		"fud", "lawsuit", "delist", "bad", "terrible", "hate", "broken", "weak", "fail",
	}
)

// NewLexiconClassifier creates the fallback classifier
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{}
}

// Classify scores text by counting known positive and negative words
func (l *LexiconClassifier) Classify(ctx context.Context, text string) (models.SentimentResult, error) {
	if err := ctx.Err(); err != nil {
		return models.SentimentResult{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}

	words := strings.FieldsFunc(strings.ToLower(Truncate(text)), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})

	var positive, negative []string
	for _, w := range words {
		if contains(positiveWords, w) {
			positive = append(positive, w)
		} else if contains(negativeWords, w) {
			negative = append(negative, w)
		}
	}

	total := len(positive) + len(negative)
	if total == 0 {
		return models.SentimentResult{
			Label:       models.LabelNeutral,
			Confidence:  0.5,
			Score:       0.5,
			Explanation: "no sentiment-bearing words",
		}, nil
	}

	balance := float64(len(positive)-len(negative)) / float64(total)
	result := models.SentimentResult{
		Score:      0.5 + balance/2,
		Confidence: math.Min(0.95, 0.5+0.1*float64(total)),
		KeyPhrases: append(positive, negative...),
	}
	switch {
	case len(positive) > len(negative):
		result.Label = models.LabelPositive
	case len(negative) > len(positive):
		result.Label = models.LabelNegative
	default:
		result.Label = models.LabelNeutral
	}
	result.Explanation = fmt.Sprintf("%d positive and %d negative terms", len(positive), len(negative))
	return result, nil
}

func contains(list []string, w string) bool {
	for _, v := range list {
		if v == w {
			return true
		}
	}
	return false
}

// HTTPClassifier asks an OpenAI-compatible chat completions endpoint to classify text
type HTTPClassifier struct {
	client *resty.Client
	model  string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type classification struct {
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	Score       float64  `json:"score"`
	Explanation string   `json:"explanation"`
	KeyPhrases  []string `json:"key_phrases"`
}

const classifierPrompt = `You classify the sentiment of social media posts about cryptocurrency projects.
Answer with a JSON object: {"label": "positive|negative|neutral", "confidence": 0-1,
"score": 0-1 where 0 is very negative and 1 is very positive, "explanation": short reason,
"key_phrases": [phrases that drove the decision]}.`

// NewHTTPClassifier creates a classifier for baseURL (e.g. https://api.openai.com/v1)
func NewHTTPClassifier(baseURL, apiKey, model string, timeout time.Duration) *HTTPClassifier {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPClassifier{client: client, model: model}
}

// Classify sends one post to the model and validates its answer
func (h *HTTPClassifier) Classify(ctx context.Context, text string) (models.SentimentResult, error) {
	body := chatRequest{
		Model: h.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: Truncate(text)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var out chatResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return models.SentimentResult{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	if resp.StatusCode() != 200 {
		return models.SentimentResult{}, fmt.Errorf("%w: oracle returned status %d", ErrClassification, resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return models.SentimentResult{}, fmt.Errorf("%w: empty completion", ErrClassification)
	}

	var c classification
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &c); err != nil {
		return models.SentimentResult{}, fmt.Errorf("%w: unparseable completion: %v", ErrClassification, err)
	}

	label := models.SentimentLabel(strings.ToLower(c.Label))
	if !label.Valid() {
		return models.SentimentResult{}, fmt.Errorf("%w: unknown label %q", ErrClassification, c.Label)
	}

	return models.SentimentResult{
		Label:       label,
		Confidence:  clamp01(c.Confidence),
		Score:       clamp01(c.Score),
		Explanation: c.Explanation,
		KeyPhrases:  c.KeyPhrases,
	}, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}
