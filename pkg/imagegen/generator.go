// Package imagegen talks to text-to-image services and normalizes their
// output to PNG.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// DefaultNegativePrompt steers generations away from common artifacts.
const DefaultNegativePrompt = "blurry, out of focus, low quality, pixelated, distorted, overly saturated, " +
	"bad anatomy, cropped, disfigured, unclear, artifacts, extra limbs, " +
	"unnatural colors, deformed hands, poor lighting, overly dark, overly bright, " +
	"grainy, noisy, cartoonish, text, watermark"

const (
	DefaultWidth         = 1024
	DefaultHeight        = 1024
	DefaultGuidanceScale = 4.5
	DefaultSteps         = 40
)

// ErrUnrecognizedPayload is returned when a service responds with bytes that
// are not a supported image format.
var ErrUnrecognizedPayload = errors.New("unrecognized image payload")

// Request is one text-to-image call.
type Request struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	GuidanceScale  float64
	Steps          int
	// Seed is randomized per call when nil.
	Seed *int64
}

// DefaultRequest returns the fixed quality configuration for prompt.
func DefaultRequest(prompt string) Request {
	return Request{
		Prompt:         prompt,
		NegativePrompt: DefaultNegativePrompt,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		GuidanceScale:  DefaultGuidanceScale,
		Steps:          DefaultSteps,
	}
}

func (r Request) seed() int64 {
	if r.Seed != nil {
		return *r.Seed
	}
	return rand.Int64N(1 << 31)
}

// Generator produces raw image bytes for a prompt. Implementations return the
// service's bytes unchanged; callers normalize with ToPNG.
type Generator interface {
	GenerateImage(ctx context.Context, req Request) ([]byte, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// New builds the configured provider.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "huggingface":
		return NewHuggingFaceGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "openai", "openai-compat":
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown image provider %q", cfg.Provider)
	}
}
