package uploader

import (
	"errors"
	"strings"
)

var (
	ErrNotAuthenticated = errors.New("remote storage is not authenticated")
	ErrArtifactNotFound = errors.New("backup not found")
	ErrArtifactMissing  = errors.New("backup file no longer exists on disk")
	ErrTransferFailed   = errors.New("upload failed")
	ErrQuotaExceeded    = errors.New("remote storage quota exceeded")
	ErrProfileNotFound  = errors.New("profile not found")
)

// UploadError carries the kind of an upload failure. It matches its kind
// with errors.Is.
type UploadError struct {
	Kind   error
	Reason string
	Err    error
}

func (e *UploadError) Error() string {
	parts := []string{e.Kind.Error()}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *UploadError) Is(target error) bool {
	return target == e.Kind
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
