package sync

import "fmt"

// ErrKind classifies a per-item sync failure (§7). Kinds determine whether
// the run continues past the offending item.
type ErrKind string

const (
	ErrKindNetwork             ErrKind = "network"
	ErrKindAuth                ErrKind = "auth"
	ErrKindInvalidPath         ErrKind = "invalid_path"
	ErrKindCrypto              ErrKind = "crypto"
	ErrKindContentHashMismatch ErrKind = "content_hash_mismatch"
	ErrKindConflict            ErrKind = "conflict"
	ErrKindIO                  ErrKind = "io"
	ErrKindStore               ErrKind = "store"
	ErrKindPreconditionFailed  ErrKind = "precondition_failed"
)

// ItemError records one per-item failure encountered during a phase.
type ItemError struct {
	Path string
	Kind ErrKind
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

// Summary is the result of one Engine.Run call (§4.7, §7: "the sync run
// returns a summary: counts per kind, plus first-error detail"),
// structurally mirroring the teacher's MigrationStatus/TieringDecision
// result records in internal/tiering/controller.go.
type Summary struct {
	EntriesPulled int
	FilesWritten  int
	DirsCreated   int
	LocalDeletes  int
	EntriesPushed int
	BytesUploaded int64
	Conflicts     int

	CountsByKind map[ErrKind]int
	FirstError   *ItemError
}

func newSummary() *Summary {
	return &Summary{CountsByKind: make(map[ErrKind]int)}
}

func (s *Summary) recordError(path string, kind ErrKind, err error) {
	s.CountsByKind[kind]++
	if s.FirstError == nil {
		s.FirstError = &ItemError{Path: path, Kind: kind, Err: err}
	}
}

// OK reports whether the run completed with no fatal item errors.
func (s *Summary) OK() bool {
	return s.FirstError == nil
}
