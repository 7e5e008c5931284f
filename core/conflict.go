package core

import (
	"context"
	"fmt"

	"github.com/nasdf/branchdb/diff"
	"github.com/nasdf/branchdb/schema"

	"github.com/ipld/go-ipld-prime/datamodel"
)

// ConflictType describes how the two sides of a merge disagree.
type ConflictType string

const (
	ChangedInSourceAndTarget     ConflictType = "CHANGED_IN_SOURCE_AND_TARGET"
	DeletedInSourceChangedTarget ConflictType = "DELETED_IN_SOURCE_CHANGED_IN_TARGET"
	ChangedInSourceDeletedTarget ConflictType = "CHANGED_IN_SOURCE_DELETED_IN_TARGET"
	AddedInSourceAndTarget       ConflictType = "ADDED_IN_SOURCE_AND_TARGET"
)

// Conflict is an unresolved difference found while merging.
type Conflict struct {
	Type       ConflictType
	ObjectType string
	ObjectID   string
	// Property is the path of the conflicting property or empty for the whole document.
	Property string
	Message  string
}

// ConflictInput holds the three versions of a document changed on both sides of a merge.
//
// A nil node means the document does not exist in that version.
type ConflictInput struct {
	Schema *schema.Schema
	Type   string
	ID     string
	Base   datamodel.Node
	Source datamodel.Node
	Target datamodel.Node
}

// Resolution is the outcome of resolving a ConflictInput.
type Resolution struct {
	// Node is the merged document.
	Node datamodel.Node
	// Remove is true when the merged result removes the document.
	Remove bool
	// Conflicts is non empty when the input could not be resolved.
	Conflicts []Conflict
}

// ConflictProcessor decides the merged version of documents changed on both sides of a merge.
type ConflictProcessor interface {
	Resolve(ctx context.Context, in ConflictInput) (Resolution, error)
}

// ProcessorFunc adapts a function to the ConflictProcessor interface.
type ProcessorFunc func(ctx context.Context, in ConflictInput) (Resolution, error)

func (fn ProcessorFunc) Resolve(ctx context.Context, in ConflictInput) (Resolution, error) {
	return fn(ctx, in)
}

// PropertyProcessor merges documents property by property and only reports
// properties changed on both sides to different values.
type PropertyProcessor struct{}

func (PropertyProcessor) Resolve(ctx context.Context, in ConflictInput) (Resolution, error) {
	if in.Source == nil || in.Target == nil {
		return Resolution{Conflicts: []Conflict{documentConflict(in)}}, nil
	}
	merged, paths, err := diff.Merge(in.Schema, in.Type, in.Base, in.Source, in.Target)
	if err != nil {
		return Resolution{}, err
	}
	if len(paths) == 0 {
		return Resolution{Node: merged}, nil
	}
	typ := ChangedInSourceAndTarget
	if in.Base == nil {
		typ = AddedInSourceAndTarget
	}
	conflicts := make([]Conflict, 0, len(paths))
	for _, p := range paths {
		conflicts = append(conflicts, Conflict{
			Type:       typ,
			ObjectType: in.Type,
			ObjectID:   in.ID,
			Property:   p,
			Message:    fmt.Sprintf("property %s of %s %s changed on both sides", p, in.Type, in.ID),
		})
	}
	return Resolution{Conflicts: conflicts}, nil
}

// StrictProcessor reports every document changed on both sides as a conflict.
type StrictProcessor struct{}

func (StrictProcessor) Resolve(ctx context.Context, in ConflictInput) (Resolution, error) {
	return Resolution{Conflicts: []Conflict{documentConflict(in)}}, nil
}

// SourceProcessor resolves every conflict with the source version.
type SourceProcessor struct{}

func (SourceProcessor) Resolve(ctx context.Context, in ConflictInput) (Resolution, error) {
	return sourceResolution(in), nil
}

func sourceResolution(in ConflictInput) Resolution {
	if in.Source == nil {
		return Resolution{Remove: true}
	}
	return Resolution{Node: in.Source}
}

func documentConflict(in ConflictInput) Conflict {
	var typ ConflictType
	var msg string
	switch {
	case in.Base == nil:
		typ, msg = AddedInSourceAndTarget, "added on both sides"
	case in.Source == nil:
		typ, msg = DeletedInSourceChangedTarget, "deleted in source and changed in target"
	case in.Target == nil:
		typ, msg = ChangedInSourceDeletedTarget, "changed in source and deleted in target"
	default:
		typ, msg = ChangedInSourceAndTarget, "changed on both sides"
	}
	return Conflict{
		Type:       typ,
		ObjectType: in.Type,
		ObjectID:   in.ID,
		Message:    fmt.Sprintf("%s %s %s", in.Type, in.ID, msg),
	}
}
