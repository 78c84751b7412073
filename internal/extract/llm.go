package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lexgrove/gavel/internal/store"
)

// DefaultMinChars is the minimum chunk length (in runes) before the model
// is consulted. Shorter chunks return zero findings without an API call.
const DefaultMinChars = 80

// DefaultLLMTimeout bounds one completion call.
const DefaultLLMTimeout = 60 * time.Second

// defaultLLMMateriality is assigned when the model returns no evidence
// extracts to derive a materiality from.
const defaultLLMMateriality = 50

const llmSystemPrompt = `You are a legal evidence analyst for dissolution-of-marriage cases.
Extract discrete factual assertions (keypoints) from the evidence text that
support or rebut statutory grounds for dissolution.

RULES:
1. Extract ONLY assertions grounded in the text - never infer beyond it.
2. legal_ground_codes must come from: A840-1 (infidelity), A840-2 (desertion),
   A840-3 (mistreatment by spouse), A840-4 (mistreatment of lineal ascendant),
   A840-5 (missing 3+ years), A840-6 (other grave cause).
3. confidence_score is 0.0-1.0 based on how clearly the text supports the assertion.
4. Each evidence extract quotes or summarizes the supporting span, with
   extract_type "quote", "summary", or "paraphrase" and a relevance of 0.0-1.0.
5. Set is_disputed when the text itself shows the assertion is contested.
6. Return ONLY a JSON object, no additional text.

JSON SCHEMA:
{
  "findings": [
    {
      "statement": "discrete factual assertion",
      "confidence_score": 0.85,
      "legal_ground_codes": ["A840-1"],
      "evidence_extracts": [
        {"text": "exact or summarized span", "extract_type": "quote", "relevance": 0.9}
      ],
      "is_disputed": false
    }
  ]
}`

// LLMConfig configures the generative extraction adapter.
type LLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	TimeoutSecs int
	MinChars    int
}

// chatCompleter is the slice of the OpenAI client the adapter needs;
// satisfied by *openai.Client and by fakes in tests.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMExtractor sends chunk text to a generative model and parses the
// structured response into findings. Non-deterministic and externally
// bounded; its failure never aborts the other strategies.
type LLMExtractor struct {
	client   chatCompleter
	model    string
	timeout  time.Duration
	minChars int
}

// NewLLMExtractor creates an adapter from config.
func NewLLMExtractor(cfg LLMConfig) (*LLMExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	minChars := cfg.MinChars
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &LLMExtractor{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		timeout:  timeout,
		minChars: minChars,
	}, nil
}

// Extract runs generative extraction on the chunk text.
//
// Three outcomes: (findings, "", nil) on success; (nil, note, nil) when
// the call was skipped or the response was unparseable, a degraded but
// completed run; (nil, "", err) when the external call itself failed.
func (e *LLMExtractor) Extract(ctx context.Context, chunk EvidenceChunk) ([]Finding, string, error) {
	if utf8.RuneCountInString(chunk.Text) < e.minChars {
		return nil, fmt.Sprintf("chunk below minimum length (%d chars), model not consulted", e.minChars), nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llmSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Extract keypoints from this evidence text:\n\n---\n" + chunk.Text + "\n---\n\nReturn JSON matching the schema."},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, "empty model response", nil
	}

	findings, err := parseFindings(resp.Choices[0].Message.Content, chunk.Text)
	if err != nil {
		// Unparseable output degrades to zero findings, noted for
		// observability; the run still completes.
		return nil, fmt.Sprintf("unparseable model response: %v", err), nil
	}
	return findings, "", nil
}

type llmExtract struct {
	Text        string  `json:"text"`
	ExtractType string  `json:"extract_type"`
	Relevance   float64 `json:"relevance"`
}

type llmFinding struct {
	Statement        string       `json:"statement"`
	ConfidenceScore  float64      `json:"confidence_score"`
	LegalGroundCodes []string     `json:"legal_ground_codes"`
	EvidenceExtracts []llmExtract `json:"evidence_extracts"`
	IsDisputed       bool         `json:"is_disputed"`
}

type llmResponse struct {
	Findings []llmFinding `json:"findings"`
}

// parseFindings parses the model's JSON payload into findings, anchoring
// each one to a source span by locating its first quoted extract in the
// chunk text. Findings without a locatable quote span the whole chunk.
func parseFindings(content, chunkText string) ([]Finding, error) {
	var resp llmResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var findings []Finding
	for _, lf := range resp.Findings {
		if strings.TrimSpace(lf.Statement) == "" {
			continue
		}

		f := Finding{
			Strategy:    store.StrategyLLM,
			Kind:        KindStatement,
			Statement:   strings.TrimSpace(lf.Statement),
			GroundTags:  lf.LegalGroundCodes,
			Confidence:  clampConfidence(lf.ConfidenceScore),
			Materiality: defaultLLMMateriality,
			Span:        Span{Start: 0, End: utf8.RuneCountInString(chunkText)},
			Disputed:    lf.IsDisputed,
		}

		maxRelevance := -1.0
		for _, ex := range lf.EvidenceExtracts {
			if ex.Relevance > maxRelevance {
				maxRelevance = ex.Relevance
			}
			if ex.ExtractType == "quote" && f.Span.Start == 0 && f.Span.End == utf8.RuneCountInString(chunkText) {
				if at := strings.Index(chunkText, ex.Text); at >= 0 {
					f.Span = Span{
						Start: utf8.RuneCountInString(chunkText[:at]),
						End:   utf8.RuneCountInString(chunkText[:at+len(ex.Text)]),
					}
					f.Value = map[string]string{"quote": ex.Text}
				}
			}
		}
		if maxRelevance >= 0 {
			f.Materiality = clampMateriality(int(math.Round(maxRelevance * 100)))
		}

		findings = append(findings, f)
	}
	return findings, nil
}
