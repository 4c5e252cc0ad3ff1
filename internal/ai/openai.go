package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// OpenAIProvider calls the chat completions API.
type OpenAIProvider struct {
	cfg   providerConfig
	creds CredentialSource
}

func NewOpenAIProvider(creds CredentialSource, opts ...ProviderOption) *OpenAIProvider {
	return &OpenAIProvider{
		cfg:   newProviderConfig("https://api.openai.com/v1", "gpt-4o-mini", OpenAIClassifier{}, opts),
		creds: creds,
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	key, err := p.creds.Resolve(ProviderOpenAI)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = p.cfg.model
	}
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.cfg.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ProviderOpenAI, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError(ProviderOpenAI, err)
	}
	if resp.StatusCode >= 300 {
		var eb openAIErrorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		code := eb.Error.Code
		if code == "" {
			code = eb.Error.Type
		}
		return nil, &ProviderError{
			Provider:       ProviderOpenAI,
			Status:         resp.StatusCode,
			Code:           code,
			Message:        msg,
			QuotaExhausted: p.cfg.classifier.QuotaExhausted(resp.StatusCode, code, msg),
		}
	}
	var out openAIChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ProviderError{Provider: ProviderOpenAI, Status: http.StatusBadGateway, Message: "malformed response", Err: err}
	}
	if len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: ProviderOpenAI, Status: http.StatusBadGateway, Err: errors.New("no choices returned")}
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return &ProviderResponse{
		Provider: ProviderOpenAI,
		Model:    out.Model,
		Text:     out.Choices[0].Message.Content,
		Usage:    out.Usage,
	}, nil
}
