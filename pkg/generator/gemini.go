package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// geminiModel calls the Gemini generateContent REST endpoint.
type geminiModel struct {
	cfg  ModelConfig
	http *http.Client
}

func newGeminiModel(cfg ModelConfig) *geminiModel {
	return &geminiModel{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (m *geminiModel) Name() string { return ProviderGemini + "/" + m.cfg.ModelID }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (m *geminiModel) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"contents": []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(m.cfg.BaseURL, "/"), url.PathEscape(m.cfg.ModelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", m.cfg.APIKey)

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
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", m.Name(), err)
	}
	var sb strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, p := range parsed.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%s: empty completion", m.Name())
	}
	return sb.String(), nil
}
