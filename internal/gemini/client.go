package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/quailyquaily/gemigram/llm"
)

const DefaultModel = "gemini-2.0-flash"

var ErrEmptyResponse = errors.New("gemini returned empty text")

// generator is the subset of *genai.Models used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey            string
	Model             string
	SystemInstruction string
	RequestTimeout    time.Duration
}

// Client implements llm.Client on the Gemini API.
type Client struct {
	models            generator
	model             string
	systemInstruction string
	timeout           time.Duration
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing gemini.api_key (set via --gemini-api-key or GEMIGRAM_GEMINI_API_KEY)")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return newWithGenerator(gc.Models, cfg), nil
}

func newWithGenerator(models generator, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		models:            models,
		model:             model,
		systemInstruction: strings.TrimSpace(cfg.SystemInstruction),
		timeout:           cfg.RequestTimeout,
	}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Respond(ctx context.Context, req llm.Request) (llm.Result, error) {
	start := time.Now()
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents, err := buildContents(req.History, req.Parts)
	if err != nil {
		return llm.Result{}, err
	}

	res, err := c.models.GenerateContent(ctx, model, contents, c.generateConfig(req.ThinkingBudget))
	if err != nil {
		return llm.Result{}, fmt.Errorf("gemini generate content: %w", err)
	}
	out := llm.Result{Duration: time.Since(start)}
	if res.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(res.UsageMetadata.PromptTokenCount),
			OutputTokens: int(res.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(res.UsageMetadata.TotalTokenCount),
		}
	}
	if reason := blockReason(res); reason != "" {
		out.BlockReason = reason
		return out, nil
	}

	out.Text = res.Text()
	if strings.TrimSpace(out.Text) == "" {
		return llm.Result{}, ErrEmptyResponse
	}
	return out, nil
}

func (c *Client) generateConfig(thinkingBudget *int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if c.systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(c.systemInstruction, genai.RoleUser)
	}
	if thinkingBudget != nil {
		budget := int32(*thinkingBudget)
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	return cfg
}

func buildContents(history []llm.Message, parts []llm.Part) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Text, toGenaiRole(m.Role)))
	}

	prompt := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case llm.PartText:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			prompt = append(prompt, genai.NewPartFromText(p.Text))
		case llm.PartImage:
			if len(p.Data) == 0 {
				continue
			}
			prompt = append(prompt, genai.NewPartFromBytes(p.Data, p.MIMEType))
		default:
			return nil, fmt.Errorf("unknown prompt part kind %d", p.Kind)
		}
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	contents = append(contents, genai.NewContentFromParts(prompt, genai.RoleUser))
	return contents, nil
}

func toGenaiRole(role llm.Role) genai.Role {
	if role == llm.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func blockReason(res *genai.GenerateContentResponse) string {
	if res == nil {
		return ""
	}
	if fb := res.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return string(fb.BlockReason)
	}
	if len(res.Candidates) > 0 {
		c := res.Candidates[0]
		if c != nil && c.FinishReason == genai.FinishReasonSafety && (c.Content == nil || len(c.Content.Parts) == 0) {
			return string(c.FinishReason)
		}
	}
	return ""
}
