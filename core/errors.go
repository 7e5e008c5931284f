package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrMergeConflict          = errors.New("merge conflict")
	ErrLockTimeout            = errors.New("lock timeout")
	ErrIOFailure              = errors.New("io failure")
	ErrEmptyCommit            = errors.New("empty commit")
	ErrInvalidBranch          = errors.New("invalid branch")
	ErrInvalidMerge           = errors.New("invalid merge")
	ErrInvalidDocument        = errors.New("invalid document")
)

// MergeConflictError is returned when a merge produced conflicts that were not resolved.
type MergeConflictError struct {
	// Merge is the id of the failed merge.
	Merge     string
	Conflicts []Conflict
}

func (e *MergeConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ObjectID)
	}
	return fmt.Sprintf("%s: %d conflicts (%s)", ErrMergeConflict, len(e.Conflicts), strings.Join(ids, ", "))
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}
