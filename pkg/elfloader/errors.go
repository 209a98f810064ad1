package elfloader

import "github.com/pkg/errors"

// Error kinds. Every failure wraps one of these so callers can match
// with errors.Is while the message carries the offending field.
var (
	ErrInvalidFormat    = errors.New("invalid ELF format")
	ErrUnsupportedArch  = errors.New("unsupported architecture")
	ErrUnsupportedReloc = errors.New("unsupported relocation")
	ErrIO               = errors.New("byte source error")
	ErrAllocation       = errors.New("allocation failed")
	ErrTooManyRegions   = errors.New("too many protection regions")
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
)
