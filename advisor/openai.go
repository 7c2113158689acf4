package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rustyeddy/riskengine/config"
)

const systemPrompt = `You review trade entries for a risk engine. You may CONFIRM an entry, CANCEL it, or BOOST it when the setup is unusually strong. ` +
	`Reply ONLY with compact JSON: {"decision":"CONFIRM|CANCEL|BOOST","reason":"<short>"}`

// OpenAI is an Oracle backed by any OpenAI-compatible chat completions API.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewOpenAI(cfg config.AdvisorConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: advisor api key (%s)", config.ErrMissingCredential, cfg.APIKeyEnv)
	}
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Evaluate(ctx context.Context, symbol string, c Context) (Advice, error) {
	state, err := json.Marshal(struct {
		Symbol string `json:"symbol"`
		Context
	}{symbol, c})
	if err != nil {
		return Advice{}, err
	}
	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "State:" + string(state)},
		},
		MaxTokens: 120,
	})
	if err != nil {
		return Advice{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Advice{}, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Advice{}, fmt.Errorf("advisor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Advice{}, fmt.Errorf("advisor http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var r chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Advice{}, fmt.Errorf("advisor response: %w", err)
	}
	if len(r.Choices) == 0 {
		return Advice{}, errors.New("advisor response: no choices")
	}
	return parseAdvice(r.Choices[0].Message.Content), nil
}

// parseAdvice never fails: anything unreadable confirms, so a confused
// model cannot block trading on its own.
func parseAdvice(content string) Advice {
	out := strings.TrimSpace(content)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")

	var raw struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &raw); err != nil {
		return Advice{Decision: Confirm, Reason: "invalid_json"}
	}
	d, err := ParseDecision(raw.Decision)
	if err != nil {
		return Advice{Decision: Confirm, Reason: "invalid_decision"}
	}
	return Advice{Decision: d, Reason: raw.Reason}
}
