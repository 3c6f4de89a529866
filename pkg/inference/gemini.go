package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// GeminiConfig configures the Gemini generateContent client.
type GeminiConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// GeminiReasoner calls the Gemini REST API and requests JSON output.
type GeminiReasoner struct {
	cfg        GeminiConfig
	httpClient *http.Client
}

func NewGeminiReasoner(cfg GeminiConfig) *GeminiReasoner {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultGeminiEndpoint
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &GeminiReasoner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		ResponseMimeType string  `json:"responseMimeType"`
		Temperature      float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

func (g *GeminiReasoner) Infer(ctx context.Context, prompt string) (string, error) {
	if g.cfg.APIKey == "" {
		return "", Errorf(ClassInvalidRequest, "gemini api key not configured")
	}

	var reqBody geminiRequest
	reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: jsonOnlyInstruction}}}
	reqBody.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}}
	reqBody.GenerationConfig.ResponseMimeType = "application/json"
	reqBody.GenerationConfig.Temperature = 0.2

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", Errorf(ClassInvalidRequest, "marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(g.cfg.Endpoint, "/"), g.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Errorf(ClassInvalidRequest, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", NewError(Classify(err), fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", NewError(Classify(err), fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Errorf(ClassFromHTTPStatus(resp.StatusCode), "status %d: %s", resp.StatusCode, truncate(string(respBody), 256))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", Errorf(ClassInternal, "decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return "", Errorf(ClassInternal, "response has no candidates")
	}
	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
