package htm

import "github.com/MadBomber/htm/internal/errs"

// Sentinel errors. Test with errors.Is; wrapped variants carry detail.
var (
	ErrValidation         = errs.ErrValidation
	ErrNotFound           = errs.ErrNotFound
	ErrDuplicateContent   = errs.ErrDuplicateContent
	ErrEmbedding          = errs.ErrEmbedding
	ErrEmbeddingDimension = errs.ErrEmbeddingDimension
	ErrTagExtraction      = errs.ErrTagExtraction
	ErrConfiguration      = errs.ErrConfiguration
	ErrStore              = errs.ErrStore
)
