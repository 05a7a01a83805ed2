package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackProvider tries a chain of providers in order and returns the first
// successful completion. A canceled or expired context stops the chain.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage returns the first successful response. The returned error wraps
// the last provider's error.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "fallback provider answered",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(f.providers)-1 {
			f.logger.WarnContext(ctx, "provider failed, trying next",
				slog.String("provider", p.Name()),
				slog.String("next", f.providers[i+1].Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, fmt.Errorf("%s: %w", f.Name(), lastErr)
}

// Name joins the chain, e.g. "openai+ollama".
func (f *FallbackProvider) Name() string {
	name := f.providers[0].Name()
	for _, p := range f.providers[1:] {
		name += "+" + p.Name()
	}
	return name
}

// Model reports the primary provider's model when it exposes one.
func (f *FallbackProvider) Model() string {
	if m, ok := f.providers[0].(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}
