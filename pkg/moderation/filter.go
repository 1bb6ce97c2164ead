// Package moderation gates generated output before it is checkpointed or
// delivered. A flagged response is handled like a failed tool call: the turn
// records the refusal, state stays consistent, and the conversation can
// continue.
package moderation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mwade/parley/internal/config"
)

// ContentFilter checks content against configured keywords and patterns.
type ContentFilter struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// New creates a content filter from configuration.
func New(cfg config.ModerationConfig) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &ContentFilter{
		enabled:  cfg.Enabled,
		keywords: cfg.BlockedKeywords,
		patterns: patterns,
	}, nil
}

// Check returns an error when text contains blocked content.
func (f *ContentFilter) Check(text string) error {
	if !f.enabled {
		return nil
	}

	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return fmt.Errorf("content contains blocked keyword: %s", kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("content matches blocked pattern #%d", i+1)
		}
	}
	return nil
}
