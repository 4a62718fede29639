package detect

import "errors"

// Initialisation failures, distinguished so the caller can map each to its
// own exit status. Backends wrap the underlying cause with one of these.
var (
	ErrTokenizerInit = errors.New("tokenizer initialisation failed")
	ErrModelInit     = errors.New("model initialisation failed")
	ErrRuntimeInit   = errors.New("inference runtime initialisation failed")
)
