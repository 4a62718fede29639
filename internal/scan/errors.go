package scan

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/eargollo/piiscan/internal/chunk"
	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/extract"
)

// Code is a process exit code. Per-file error terminals carry the code of
// the stage that failed.
type Code int

const (
	CodeClean           Code = 0
	CodePII             Code = 1
	CodeNotFound        Code = 2
	CodeUnsupported     Code = 3
	CodeStorage         Code = 4
	CodeTokenizerInit   Code = 5
	CodeModelInit       Code = 6
	CodeRuntimeInit     Code = 7
	CodeChecksum        Code = 8
	CodeExtraction      Code = 9
	CodeChunking        Code = 10
	CodeDetection       Code = 11
	CodeInvalidScanType Code = 12
	CodeMissingPath     Code = 13
	CodeOther           Code = 99
)

// Pipeline stages, as reported in SCAN_ERROR lines and scan_errors rows.
const (
	StageStat     = "stat"
	StageWalk     = "walk"
	StageDetect   = "detect_format"
	StageChecksum = "checksum"
	StageLedger   = "ledger"
	StageExtract  = "extract"
	StageChunk    = "chunk"
	StageEntities = "detect"
	StageRecord   = "record"
)

var (
	// ErrMissingPath means no scan path was given.
	ErrMissingPath = errors.New("missing path argument")
	// ErrInvalidScanType means the scan type is neither lite nor full.
	ErrInvalidScanType = errors.New("invalid scan type")
)

// Error is a per-file error terminal.
type Error struct {
	Code  Code
	Stage string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, stage, path string, err error) *Error {
	return &Error{Code: code, Stage: stage, Path: path, Err: err}
}

// CodeOf classifies err into an exit code. nil is CodeClean; anything not
// recognised is CodeOther.
func CodeOf(err error) Code {
	if err == nil {
		return CodeClean
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrMissingPath):
		return CodeMissingPath
	case errors.Is(err, ErrInvalidScanType):
		return CodeInvalidScanType
	case errors.Is(err, detect.ErrTokenizerInit):
		return CodeTokenizerInit
	case errors.Is(err, detect.ErrModelInit):
		return CodeModelInit
	case errors.Is(err, detect.ErrRuntimeInit):
		return CodeRuntimeInit
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return CodeUnsupported
	case errors.Is(err, extract.ErrExtraction):
		return CodeExtraction
	case errors.Is(err, chunk.ErrChunking):
		return CodeChunking
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	}
	return CodeOther
}
