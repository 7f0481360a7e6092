// Package domain contains the core business entities for rammingen.
package domain

import "errors"

// Sentinel errors returned by the domain and repository layers.
var (
	// ErrInvalidPath indicates a malformed archive or encrypted archive path:
	// an empty component, a component containing '/', or (on decryption) a
	// component that is not valid base64 or fails AEAD verification.
	ErrInvalidPath = errors.New("domain: invalid path")

	// ErrSourceNotFound indicates no Source exists with the given id or token.
	ErrSourceNotFound = errors.New("domain: source not found")

	// ErrSourceInUse indicates a Source's name or access token is already
	// taken by another Source.
	ErrSourceInUse = errors.New("domain: source name or token already in use")

	// ErrEntryNotFound indicates no current Entry exists at the given path.
	ErrEntryNotFound = errors.New("domain: entry not found")

	// ErrParentNotDirectory indicates an Entry's parent_dir does not refer to
	// a Directory Entry.
	ErrParentNotDirectory = errors.New("domain: parent is not a directory")

	// ErrParentMissing indicates an Entry is being created under a parent
	// path that has no corresponding Entry yet.
	ErrParentMissing = errors.New("domain: parent entry does not exist")

	// ErrVersionNotFound indicates no EntryVersion exists with the given id.
	ErrVersionNotFound = errors.New("domain: version not found")

	// ErrContentHashMismatch indicates uploaded bytes hash to something other
	// than the claimed content hash.
	ErrContentHashMismatch = errors.New("domain: content hash mismatch")

	// ErrContentNotFound indicates no blob exists for the given content hash.
	ErrContentNotFound = errors.New("domain: content not found")

	// ErrStaleUpdate indicates a write lost a race against a newer
	// update_number for the same path.
	ErrStaleUpdate = errors.New("domain: stale update")
)
