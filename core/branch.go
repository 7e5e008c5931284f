package core

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	// RootBranch is the path of the root branch.
	RootBranch = "MAIN"
	// PathSeparator separates branch names in a branch path.
	PathSeparator = "/"
	// refSeparator separates the branch path from the timestamp in a ref.
	refSeparator = "@"
)

// State is the state of a branch.
type State string

const (
	StateActive  State = "ACTIVE"
	StateStale   State = "STALE"
	StateDeleted State = "DELETED"
)

// LineagePoint records the parent timestamp a branch sees from a point in time onwards.
type LineagePoint struct {
	// At is the branch timestamp from which Base applies.
	At int64
	// Base is the parent timestamp visible on the branch.
	Base int64
}

// Branch is a named, timestamp-scoped view of the document set.
type Branch struct {
	Path   string
	Parent string
	// Created is the timestamp the branch was created at.
	Created int64
	// Base is the parent timestamp the branch currently sees.
	Base int64
	// Head is the timestamp of the most recent commit visible on the branch.
	Head    int64
	Lineage []LineagePoint
	// MergedAt is the parent commit timestamp of the last merge of this branch into its parent.
	MergedAt int64
	// MergedHead is the head of this branch when it was last merged into its parent.
	MergedHead int64
	State      State
}

func (b *Branch) clone() *Branch {
	c := *b
	c.Lineage = slices.Clone(b.Lineage)
	return &c
}

// IsRoot returns true if the branch has no parent.
func (b *Branch) IsRoot() bool {
	return b.Parent == ""
}

// Name returns the last segment of the branch path.
func (b *Branch) Name() string {
	return b.Path[strings.LastIndex(b.Path, PathSeparator)+1:]
}

// BaseAt returns the parent timestamp visible on the branch at the given timestamp.
func (b *Branch) BaseAt(ts int64) int64 {
	base := b.Base
	if len(b.Lineage) > 0 {
		base = b.Lineage[0].Base
	}
	for _, p := range b.Lineage {
		if p.At > ts {
			break
		}
		base = p.Base
	}
	return min(base, ts)
}

// mergeBase returns the parent timestamp holding the common ancestor of this branch and its
// parent, and the branch timestamp after which changes have not been merged into the parent.
func (b *Branch) mergeBase() (parentAt int64, since int64) {
	return max(b.Base, b.MergedAt), max(b.Created, b.MergedHead)
}

// Ref identifies the state of a branch at a point in time.
type Ref struct {
	Path string
	// Timestamp is the point in time of the ref. Zero means the branch head.
	Timestamp int64
}

// HeadRef returns a ref to the head of the branch with the given path.
func HeadRef(path string) Ref {
	return Ref{Path: path}
}

// ParseRef parses a ref in the form PATH or PATH@TIMESTAMP.
func ParseRef(s string) (Ref, error) {
	path, ts, ok := strings.Cut(s, refSeparator)
	if !ok {
		return Ref{Path: path}, validatePath(path)
	}
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || timestamp < 0 {
		return Ref{}, fmt.Errorf("%w: invalid ref timestamp %s", ErrInvalidBranch, ts)
	}
	return Ref{Path: path, Timestamp: timestamp}, validatePath(path)
}

func (r Ref) String() string {
	if r.Timestamp == 0 {
		return r.Path
	}
	return r.Path + refSeparator + strconv.FormatInt(r.Timestamp, 10)
}

// ChildPath returns the path of the child with the given name.
func ChildPath(parent, name string) string {
	return parent + PathSeparator + name
}

// ParentPath returns the path of the parent of the given path or an empty string for the root.
func ParentPath(path string) string {
	i := strings.LastIndex(path, PathSeparator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// lineage returns the path and the paths of its ancestors below the root, nearest first.
func lineage(path string) []string {
	var paths []string
	for path != "" && path != RootBranch {
		paths = append(paths, path)
		path = ParentPath(path)
	}
	return paths
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, PathSeparator+refSeparator+keySeparator) {
		return fmt.Errorf("%w: invalid branch name %q", ErrInvalidBranch, name)
	}
	return nil
}

func validatePath(path string) error {
	segments := strings.Split(path, PathSeparator)
	if segments[0] != RootBranch {
		return fmt.Errorf("%w: path %q must start with %s", ErrInvalidBranch, path, RootBranch)
	}
	for _, s := range segments[1:] {
		if err := validateName(s); err != nil {
			return err
		}
	}
	return nil
}
