package imagegen

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

const (
	defaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"
	maxImageBytes             = 32 << 20
)

// HuggingFaceGenerator calls the Hugging Face inference API for a
// text-to-image model. The response body is the image itself.
type HuggingFaceGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHuggingFaceGenerator builds a Hugging Face text-to-image client.
func NewHuggingFaceGenerator(baseURL, apiKey, model string) (*HuggingFaceGenerator, error) {
	model = strings.Trim(strings.TrimSpace(model), "/")
	if model == "" {
		return nil, fmt.Errorf("huggingface image model required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultHuggingFaceBaseURL
	}
	return &HuggingFaceGenerator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// GenerateImage implements Generator.
func (g *HuggingFaceGenerator) GenerateImage(ctx context.Context, r Request) ([]byte, error) {
	reqBody := hfRequest{
		Inputs: r.Prompt,
		Parameters: hfParameters{
			NegativePrompt:    r.NegativePrompt,
			Width:             r.Width,
			Height:            r.Height,
			GuidanceScale:     r.GuidanceScale,
			NumInferenceSteps: r.Steps,
			Seed:              r.seed(),
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := g.baseURL + "/models/" + g.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("huggingface request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp hfErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("huggingface api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("huggingface api error: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("huggingface read: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response from huggingface api")
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("huggingface image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	Seed              int64   `json:"seed"`
}

type hfErrorResponse struct {
	Error string `json:"error"`
}
