package core

import (
	"github.com/nasdf/branchdb/index"
)

// recordSchema declares the persisted records. Field order follows the Go structs.
const recordSchema = `
type LineagePoint struct {
	At Int
	Base Int
}

type Branch struct {
	Path String
	Parent String
	Created Int
	Base Int
	Head Int
	Lineage [LineagePoint]
	MergedAt Int
	MergedHead Int
	State String
}

type Revision struct {
	Type String
	ID String
	Branch String
	Created Int
	Revised Int
	Content String
	Commit String
}

type Affected struct {
	Type String
	ID String
	Origin String
}

type Commit struct {
	ID String
	Branch String
	Timestamp Int
	Author String
	Comment String
	Affected [Affected]
	Kind String
	Source String
}

type Conflict struct {
	Type String
	ObjectType String
	ObjectID String
	Property String
	Message String
}

type Merge struct {
	ID String
	Source String
	Target String
	Kind String
	State String
	Conflicts [Conflict]
	Commit String
	Error String
	User String
	Started Int
	Ended Int
}
`

var records = index.MustCodec(recordSchema,
	&LineagePoint{},
	&Branch{},
	&Revision{},
	&Affected{},
	&Commit{},
	&Conflict{},
	&Merge{},
)

func putRecord(tx index.Tx, kind, id string, record any) error {
	data, err := records.Marshal(record)
	if err != nil {
		return err
	}
	tx.Put(kind, id, data)
	return nil
}
