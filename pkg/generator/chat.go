package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// chatModel talks to an OpenAI-compatible chat completions endpoint.
// OpenAI, Groq, Mistral and self-hosted gateways all speak it.
type chatModel struct {
	provider string
	cfg      ModelConfig
	http     *http.Client
}

func newChatModel(provider string, cfg ModelConfig) *chatModel {
	return &chatModel{provider: provider, cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (m *chatModel) Name() string { return m.provider + "/" + m.cfg.ModelID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m *chatModel) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":    m.cfg.ModelID,
		"messages": []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(m.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", m.Name(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", m.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d: %s", m.Name(), resp.StatusCode, truncate(string(data), 300))
	}

	var parsed struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", m.Name(), err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s: empty completion", m.Name())
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
