package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/orbit-so/go-orbit/env"
	"github.com/orbit-so/go-orbit/mission"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
)

const defaultModel = "gemini-2.0-flash"

// Client talks to Gemini for persona turns and judge verdicts. A missing API
// key is tolerated at construction; calls fail until one is configured, which
// keeps local development without a key possible.
type Client struct {
	genaiClient *genai.Client
	modelName   string
}

func NewClient(ctx context.Context) (*Client, error) {
	apiKey := env.GetString(ctx, "GEMINI_API_KEY")
	modelName := env.GetString(ctx, "GEMINI_MODEL")
	if modelName == "" {
		modelName = defaultModel
	}

	c := &Client{modelName: modelName}
	if apiKey == "" {
		logger.For(ctx).Warn("GEMINI_API_KEY not set; generation calls will fail")
		return c, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	c.genaiClient = client
	return c, nil
}

// turnEnvelope is the JSON shape personas are instructed to produce
type turnEnvelope struct {
	Text          string `json:"text"`
	StopSuggested bool   `json:"stop_suggested"`
}

// verdictEnvelope is the JSON shape the judge is instructed to produce
type verdictEnvelope struct {
	ShouldNotify bool   `json:"should_notify"`
	NotifyText   string `json:"notify_text"`
}

// Generate implements mission.TextGenerator
func (c *Client) Generate(ctx context.Context, prompt string, params mission.GenerationParams) (mission.Generation, error) {
	var envelope turnEnvelope
	if err := c.generateJSON(ctx, prompt, params, &envelope); err != nil {
		return mission.Generation{}, err
	}
	if strings.TrimSpace(envelope.Text) == "" {
		return mission.Generation{}, fmt.Errorf("empty turn text in model response")
	}
	return mission.Generation{Text: envelope.Text, StopSuggested: envelope.StopSuggested}, nil
}

// Evaluate implements mission.Judge
func (c *Client) Evaluate(ctx context.Context, msg mission.Message, transcript []persist.TranscriptTurn) (persist.JudgeDecision, error) {
	var envelope verdictEnvelope
	err := c.generateJSON(ctx, judgePrompt(msg, transcript), mission.GenerationParams{MaxTokens: 256, Temperature: 0.2, TopP: 0.95}, &envelope)
	if err != nil {
		return persist.JudgeDecision{}, err
	}
	return persist.JudgeDecision{ShouldNotify: envelope.ShouldNotify, NotifyText: envelope.NotifyText}, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt string, params mission.GenerationParams, target any) error {
	if c.genaiClient == nil {
		return fmt.Errorf("gemini client not configured")
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(params.Temperature),
		TopP:             genai.Ptr(params.TopP),
	}
	if params.MaxTokens > 0 {
		config.MaxOutputTokens = int32(params.MaxTokens)
	}

	resp, err := c.genaiClient.Models.GenerateContent(ctx, c.modelName, genai.Text(prompt), config)
	if err != nil {
		return fmt.Errorf("generate content error: %w", err)
	}

	text, err := getResponseText(resp)
	if err != nil {
		return err
	}

	cleaned := cleanJSONBlock(text)
	if err := json.Unmarshal([]byte(cleaned), target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON response: %w. Response: %s", err, cleaned)
	}
	return nil
}

func judgePrompt(msg mission.Message, transcript []persist.TranscriptTurn) string {
	var b strings.Builder
	b.WriteString("You are the judge of a conversation between two agents negotiating whether their people should meet.\n")
	fmt.Fprintf(&b, "The circle owner's objective was: %q\n\nTranscript:\n", msg.OwnerCircle.Objective)
	for _, turn := range transcript {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Role, turn.Text)
	}
	b.WriteString("\nDid the agents conclude that a meeting is worth it for both sides? Be conservative: when in doubt, do not notify.\n")
	b.WriteString(`Respond with JSON: {"should_notify": <bool>, "notify_text": "<if notifying, one short message for the owner, else empty>"}`)
	return b.String()
}

func getResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

// cleanJSONBlock strips markdown fences the model sometimes wraps JSON in
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimSuffix(text, "```")
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
	}
	return strings.TrimSpace(text)
}

// IsTransient reports whether a generation error is worth retrying within a
// turn: rate limits, server errors, and transport hiccups.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "unavailable", "deadline exceeded", "connection reset", "internal error", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
