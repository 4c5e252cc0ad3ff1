package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// GeminiProvider calls the generateContent API.
type GeminiProvider struct {
	cfg   providerConfig
	creds CredentialSource
}

func NewGeminiProvider(creds CredentialSource, opts ...ProviderOption) *GeminiProvider {
	return &GeminiProvider{
		cfg:   newProviderConfig("https://generativelanguage.googleapis.com/v1beta", "gemini-1.5-flash", GeminiClassifier{}, opts),
		creds: creds,
	}
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *GeminiProvider) Complete(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	key, err := p.creds.Resolve(ProviderGemini)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = p.cfg.model
	}
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	payload := map[string]any{
		"contents":         contents,
		"generationConfig": map[string]any{"temperature": req.Temperature},
	}
	if req.System != "" {
		payload["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := p.cfg.baseURL + "/models/" + url.PathEscape(model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.cfg.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ProviderGemini, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError(ProviderGemini, err)
	}
	if resp.StatusCode >= 300 {
		var eb geminiErrorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return nil, &ProviderError{
			Provider:       ProviderGemini,
			Status:         resp.StatusCode,
			Code:           eb.Error.Status,
			Message:        msg,
			QuotaExhausted: p.cfg.classifier.QuotaExhausted(resp.StatusCode, eb.Error.Status, msg),
		}
	}
	var out geminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Status: http.StatusBadGateway, Message: "malformed response", Err: err}
	}
	if len(out.Candidates) == 0 {
		return nil, &ProviderError{Provider: ProviderGemini, Status: http.StatusBadGateway, Err: errors.New("no candidates returned")}
	}
	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	usage := TokenUsage{
		PromptTokens:     out.UsageMetadata.PromptTokenCount,
		CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      out.UsageMetadata.TotalTokenCount,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if out.ModelVersion != "" {
		model = out.ModelVersion
	}
	return &ProviderResponse{Provider: ProviderGemini, Model: model, Text: text.String(), Usage: usage}, nil
}
