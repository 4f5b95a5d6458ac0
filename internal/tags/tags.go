// Package tags implements the hierarchical colon-delimited tag ontology:
// name validation, path helpers, the extraction service around the injected
// callable, and tree assembly for display.
package tags

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// DefaultMaxDepth bounds tag hierarchy depth.
const DefaultMaxDepth = 4

// nameRE is the shape of a valid tag name: lowercase segments of
// [a-z0-9-] joined by colons.
var nameRE = regexp.MustCompile(`^[a-z0-9-]+(:[a-z0-9-]+)*$`)

// Validate checks name against the ontology regex and depth bound.
func Validate(name string, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: tag %q must match %s", errs.ErrValidation, name, nameRE.String())
	}
	if d := Depth(name); d > maxDepth {
		return fmt.Errorf("%w: tag %q depth %d exceeds max %d", errs.ErrValidation, name, d, maxDepth)
	}
	return nil
}

// Depth returns the number of colon-delimited segments.
func Depth(name string) int {
	return strings.Count(name, ":") + 1
}

// Root returns the first segment of a tag path.
func Root(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// Parent returns all but the last segment, or "" for a root tag.
func Parent(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return ""
}

// ExtractorFunc is the injected callable that proposes tag names for a
// text, given a sample of the existing ontology to anchor naming.
type ExtractorFunc func(ctx context.Context, text string, ontology []string) ([]string, error)

// Extractor wraps the callable with validation and the configured timeout.
// Invalid names are dropped with a warning, never surfaced as errors.
type Extractor struct {
	fn       ExtractorFunc
	maxDepth int
	timeout  time.Duration
}

// NewExtractor builds an Extractor. fn may be nil, in which case Extract
// returns no tags.
func NewExtractor(fn ExtractorFunc, maxDepth int, timeout time.Duration) *Extractor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Extractor{fn: fn, maxDepth: maxDepth, timeout: timeout}
}

// Extract calls the tag extractor and returns only the valid names, in the
// order proposed, with duplicates removed.
func (e *Extractor) Extract(ctx context.Context, text string, ontology []string) ([]string, error) {
	if e.fn == nil {
		return nil, nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	proposed, err := e.fn(ctx, text, ontology)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTagExtraction, err)
	}

	seen := make(map[string]struct{}, len(proposed))
	valid := proposed[:0:0]
	for _, name := range proposed {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		if err := Validate(name, e.maxDepth); err != nil {
			logging.Warnf(logging.CategoryTags, "dropping invalid extracted tag %q: %v", name, err)
			continue
		}
		seen[name] = struct{}{}
		valid = append(valid, name)
	}
	logging.Debugf(logging.CategoryTags, "extractor proposed %d tags, kept %d", len(proposed), len(valid))
	return valid, nil
}
