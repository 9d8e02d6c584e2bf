package app

import "errors"

var (
	// upload validation
	ErrFileRequired     = errors.New("file is required (field: file)")
	ErrFilenameRequired = errors.New("filename required")
	ErrInvalidFileType  = errors.New("unsupported file type: only .epub is accepted")
	ErrFileTooLarge     = errors.New("file too large")

	ErrRateLimited = errors.New("upload rate limit exceeded")

	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")

	// ErrStillLoading and ErrParseFailed are returned when chapters are read
	// before the ingestion reached PARSED.
	ErrStillLoading = errors.New("epub is still loading")
	ErrParseFailed  = errors.New("epub parsing failed")
)
