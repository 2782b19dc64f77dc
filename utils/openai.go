package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"go.uber.org/zap"
)

const sceneBrief = "Briefly identify the scene, in this order: 1) the main location 2) objects you can interact with " +
	"3) nearby characters and what they are doing. Stay under 120 characters and do not write a long structured report."

const intentPrompt = `You are a low-frequency intent controller for a VRChat agent.
Return one strict JSON object with keys:
{"intent": string, "activity_level": number(0-1), "curiosity": number(0-1), "allow_move": boolean, "speak": string, "actions": array}
Action schema:
- move: {"type":"move","direction":"w|a|s|d","seconds":0.3}
- toggle_crouch: {"type":"toggle_crouch"}
- toggle_prone: {"type":"toggle_prone"}
- jump: {"type":"jump"}
- chat_send: {"type":"chat_send","text":"hello"}
- key_tap: {"type":"key_tap","key":"w","duration":0.15}
- key_down/up: {"type":"key_down","key":"shift"} / {"type":"key_up","key":"shift"}
- mouse_move: {"type":"mouse_move","dx":20,"dy":-10,"look":true}
- mouse_click: {"type":"mouse_click","button":"left"}
- wait: {"type":"wait","seconds":0.5}
Rules:
- Keep output concise.
- When nearby players are visible, provide a short speak and usually one chat_send (10-40 characters).
- If short_term_memory already shows a very recent chat_send, you may skip chat this turn.
- In non-social scenes, actions can be empty.
- Do not repeat the same action sequence every turn.
- Do NOT output any extra text outside JSON.`

var jsonBlock = regexp.MustCompile(`\{[\s\S]*\}`)

// ErrAPIStatus marks a non-200 reply from the API.
var ErrAPIStatus = errors.New("openai api error")

type OpenAIClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client

	VisionModel    string
	PlannerModel   string
	EmbeddingModel string
	PlannerPersona string

	Retries int
	Backoff time.Duration

	logger *zap.Logger
}

type GPTMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type GPTResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type ImageContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func NewOpenAIClient(cfg *config.Config, logger *zap.Logger) *OpenAIClient {
	return &OpenAIClient{
		BaseURL:        strings.TrimRight(cfg.API.BaseURL, "/"),
		APIKey:         cfg.API.APIKey,
		Client:         &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second},
		VisionModel:    cfg.Models.Vision,
		PlannerModel:   cfg.Models.Planner,
		EmbeddingModel: cfg.Models.Embedding,
		PlannerPersona: cfg.Prompt.Planner,
		Retries:        3,
		Backoff:        1200 * time.Millisecond,
		logger:         logger.Named("openai"),
	}
}

// DescribeScene asks the vision model for a short description of one frame.
func (c *OpenAIClient) DescribeScene(ctx context.Context, imageData []byte, format, prompt string) (string, error) {
	imageURL := fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(imageData))

	content := []ImageContent{
		{
			Type: "text",
			Text: sceneBrief + "\n" + prompt,
		},
		{
			Type: "image_url",
			ImageURL: &struct {
				URL string `json:"url"`
			}{
				URL: imageURL,
			},
		},
	}

	requestBody := map[string]interface{}{
		"model":       c.VisionModel,
		"messages":    []GPTMessage{{Role: "user", Content: content}},
		"temperature": 0.1,
		"max_tokens":  512,
	}

	text, err := c.chat(ctx, "vision", requestBody)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// PlanIntent asks the planner for the next intent. An unparseable answer
// yields an empty reply, which the caller treats like any other.
func (c *OpenAIClient) PlanIntent(ctx context.Context, req models.IntentRequest) (models.PlanReply, error) {
	state, err := json.Marshal(req)
	if err != nil {
		return models.PlanReply{}, fmt.Errorf("failed to marshal intent request: %w", err)
	}

	system := intentPrompt
	if c.PlannerPersona != "" {
		system += "\nPersona: " + c.PlannerPersona
	}
	requestBody := map[string]interface{}{
		"model": c.PlannerModel,
		"messages": []GPTMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: string(state)},
		},
		"temperature": 0.2,
		"max_tokens":  4096,
	}

	text, err := c.chat(ctx, "planner.intent", requestBody)
	if err != nil {
		return models.PlanReply{}, err
	}

	reply, err := ParsePlanReply(text)
	if err != nil {
		c.logger.Warn("Failed to parse planner reply, using empty plan", zap.Error(err), zap.String("content", models.Truncate(text, 200)))
		return models.PlanReply{}, nil
	}
	return reply, nil
}

// ParsePlanReply decodes the first JSON object in raw.
func ParsePlanReply(raw string) (models.PlanReply, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var reply models.PlanReply
	err := json.Unmarshal([]byte(raw), &reply)
	if err == nil {
		return reply, nil
	}
	block := jsonBlock.FindString(raw)
	if block == "" {
		return models.PlanReply{}, fmt.Errorf("no json object in reply: %w", err)
	}
	reply = models.PlanReply{}
	if err := json.Unmarshal([]byte(block), &reply); err != nil {
		return models.PlanReply{}, fmt.Errorf("failed to parse json block: %w", err)
	}
	return reply, nil
}

// Embed returns the embedding of text from the embeddings endpoint.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]interface{}{
		"input": text,
		"model": c.EmbeddingModel,
	}
	body, err := c.post(ctx, "/embeddings", requestBody)
	if err != nil {
		return nil, err
	}

	var responseData struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &responseData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response JSON: %w", err)
	}
	if len(responseData.Data) == 0 {
		return nil, fmt.Errorf("no data in embeddings response")
	}
	return responseData.Data[0].Embedding, nil
}

// ListModels is a cheap authenticated call used by the preflight check.
func (c *OpenAIClient) ListModels(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/models", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *OpenAIClient) chat(ctx context.Context, name string, requestBody map[string]interface{}) (string, error) {
	var body []byte
	err := c.withRetry(ctx, name, func() error {
		var err error
		body, err = c.post(ctx, "/chat/completions", requestBody)
		return err
	})
	if err != nil {
		return "", err
	}

	var response GPTResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response JSON: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in API response")
	}
	content := response.Choices[0].Message.Content
	c.logger.Debug("Chat completion", zap.String("call", name), zap.Int("length", len(content)))
	return content, nil
}

// withRetry retries transient failures with exponential backoff.
func (c *OpenAIClient) withRetry(ctx context.Context, name string, fn func() error) error {
	retries := max(1, c.Retries)
	var lastErr error
	for i := 0; i < retries; i++ {
		lastErr = fn()
		if lastErr == nil || !retryable(lastErr) || i == retries-1 {
			break
		}
		delay := c.Backoff * time.Duration(1<<i)
		c.logger.Warn("API call failed, retrying", zap.String("call", name), zap.Duration("delay", delay), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error { return ErrAPIStatus }

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// transport errors
	return true
}

func (c *OpenAIClient) post(ctx context.Context, path string, requestBody map[string]interface{}) ([]byte, error) {
	requestBodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: models.Truncate(string(bodyBytes), 300)}
	}
	return bodyBytes, nil
}
