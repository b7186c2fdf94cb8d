package orderparse

import (
	"context"
	"log/slog"
	"strings"
)

type Primary interface {
	Parse(ctx context.Context, text string) ([]string, error)
}

type Result struct {
	Items    []string
	Fallback bool
}

// Service runs the primary parser and falls back to SplitFallback when it
// fails or finds nothing. It never returns an error.
type Service struct {
	primary Primary
	logger  *slog.Logger
}

// New builds the parser service. primary may be nil, in which case only the
// fallback splitter is used.
func New(primary Primary, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{primary: primary, logger: logger.With("component", "orderparse")}
}

func (s *Service) Parse(ctx context.Context, text string, allowFallback bool) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Items: []string{}}
	}

	if s.primary != nil {
		items, err := s.primary.Parse(ctx, text)
		switch {
		case err != nil:
			s.logger.Warn("order parse failed", "code", "PARSING_FAILED", "error", err, "fallback", allowFallback)
		default:
			if clean := Sanitize(items); len(clean) > 0 {
				return Result{Items: clean}
			}
			s.logger.Debug("order parser returned no items", "fallback", allowFallback)
		}
	}

	if !allowFallback {
		return Result{Items: []string{}}
	}
	return Result{Items: SplitFallback(text), Fallback: true}
}
