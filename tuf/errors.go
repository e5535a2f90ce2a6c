package tuf

import (
	"fmt"

	"github.com/pkg/errors"
)

// VerificationError is the sum type described in §7. Variant names the
// case; only the fields that case uses are populated.
type VerificationError struct {
	Variant VerificationErrorVariant
	Path    string
	KeyID   keyID
	Got     int
	Min     int
	Detail  string
	History []HistoryEntry
}

// VerificationErrorVariant enumerates the §7 VerificationError cases.
type VerificationErrorVariant int

const (
	ErrExpired VerificationErrorVariant = iota
	ErrVersionTooLow
	ErrSignaturesMissing
	ErrSignaturesNotUnique
	ErrUnknownKey
	ErrFileInfoMismatch
	ErrFileTooLarge
	ErrDeserialization
	ErrUnknownTarget
	ErrLoop
)

func (e *VerificationError) Error() string {
	switch e.Variant {
	case ErrExpired:
		return fmt.Sprintf("%s: expired", e.Path)
	case ErrVersionTooLow:
		return fmt.Sprintf("%s: version %d is below minimum %d", e.Path, e.Got, e.Min)
	case ErrSignaturesMissing:
		return fmt.Sprintf("%s: signature threshold not met", e.Path)
	case ErrSignaturesNotUnique:
		return fmt.Sprintf("%s: duplicate signing keys used", e.Path)
	case ErrUnknownKey:
		return fmt.Sprintf("unknown key %q", e.KeyID)
	case ErrFileInfoMismatch:
		return fmt.Sprintf("%s: file info mismatch", e.Path)
	case ErrFileTooLarge:
		return fmt.Sprintf("%s: file exceeds expected size", e.Path)
	case ErrDeserialization:
		return fmt.Sprintf("%s: %s", e.Path, e.Detail)
	case ErrUnknownTarget:
		return fmt.Sprintf("%s: unknown target", e.Path)
	case ErrLoop:
		return fmt.Sprintf("verification did not converge after %d iterations", len(e.History))
	default:
		return "verification error"
	}
}

func errExpired(path string) error                { return &VerificationError{Variant: ErrExpired, Path: path} }
func errVersionTooLow(path string, got, min int) error {
	return &VerificationError{Variant: ErrVersionTooLow, Path: path, Got: got, Min: min}
}
func errSignaturesMissing(path string) error {
	return &VerificationError{Variant: ErrSignaturesMissing, Path: path}
}
func errSignaturesNotUnique(path string) error {
	return &VerificationError{Variant: ErrSignaturesNotUnique, Path: path}
}
func errUnknownKey(id keyID) error { return &VerificationError{Variant: ErrUnknownKey, KeyID: id} }
func errFileInfoMismatch(path string) error {
	return &VerificationError{Variant: ErrFileInfoMismatch, Path: path}
}
func errFileTooLarge(path string) error {
	return &VerificationError{Variant: ErrFileTooLarge, Path: path}
}
func errDeserialization(cause error) error {
	return &VerificationError{Variant: ErrDeserialization, Detail: cause.Error()}
}
func errUnknownTarget(path string) error {
	return &VerificationError{Variant: ErrUnknownTarget, Path: path}
}
func errLoop(history []HistoryEntry) error {
	return &VerificationError{Variant: ErrLoop, History: history}
}

// isVerificationError reports whether err is (or wraps) a
// *VerificationError.
func isVerificationError(err error) (*VerificationError, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// RemoteError wraps any transport-level failure (§7). Only the final
// mirror's RemoteError is ever surfaced to the caller (§4.6).
type RemoteError struct {
	URI   string
	Cause error
}

func (e *RemoteError) Error() string  { return fmt.Sprintf("remote error fetching %s: %s", e.URI, e.Cause) }
func (e *RemoteError) Unwrap() error  { return e.Cause }

func newRemoteError(uri string, cause error) error {
	return &RemoteError{URI: uri, Cause: cause}
}

// rootUpdated is a control-flow signal (§7), never surfaced past
// CheckForUpdates.
type rootUpdated struct{}

func (rootUpdated) Error() string { return "root updated" }

// ErrInvalidPackage means the requested target is unknown (§6, §4.7.3).
var ErrInvalidPackage = errors.New("invalid package: unknown target")

// ErrLocalFileCorrupted means a cached JSON file could not be parsed (§6).
var ErrLocalFileCorrupted = errors.New("local cache file is corrupted")

// HistoryEntry records one iteration of check_for_updates (§4.7.1).
type HistoryEntry struct {
	RootUpdated bool
	Err         error
}
