package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatGenerator calls an OpenAI-compatible /images/generations
// endpoint and asks for base64 output.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible Generator.
// baseURL should include the /v1 prefix, e.g. "https://api.openai.com/v1".
func NewOpenAICompatGenerator(baseURL, apiKey, model string) (*OpenAICompatGenerator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compat image base url required")
	}
	return &OpenAICompatGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}, nil
}

// GenerateImage implements Generator. The endpoint has no negative prompt,
// guidance or step controls; only prompt and size are sent.
func (g *OpenAICompatGenerator) GenerateImage(ctx context.Context, r Request) ([]byte, error) {
	reqBody := oaiImageRequest{
		Model:          g.model,
		Prompt:         r.Prompt,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", r.Width, r.Height),
		ResponseFormat: "b64_json",
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := g.baseURL + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai-compat api error: %s", resp.Status)
	}

	var imgResp oaiImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return nil, fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: empty response from openai-compat api", ErrUnrecognizedPayload)
	}
	data, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	return data, nil
}

type oaiImageRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type oaiImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
