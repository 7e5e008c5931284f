package test

import (
	"embed"
	"io/fs"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed cases
var casesFS embed.FS

type TestCase struct {
	// Description is a simple description for the test case.
	Description string
	// Schema is the GraphQL schema used to open the repository.
	Schema string
	// Steps are run in order against a single repository.
	Steps []Step
}

// Step is a single repository operation. Exactly one operation field is set.
type Step struct {
	Branch  *BranchStep
	Delete  *DeleteStep
	Commit  *CommitStep
	Merge   *MergeStep
	Rebase  *MergeStep
	Read    *ReadStep
	Compare *CompareStep
	Search  *SearchStep
	// Expect is the expected result of the operation.
	Expect any
	// Error is a substring of the expected error.
	Error string
}

type BranchStep struct {
	Parent string
	Name   string
}

type DeleteStep struct {
	Branch string
}

type CommitStep struct {
	Branch  string
	Message string
	Changes []ChangeStep
}

type ChangeStep struct {
	Type   string
	ID     string
	Value  map[string]any
	Remove bool
}

type MergeStep struct {
	Source     string
	Target     string
	Branch     string
	Force      bool
	Squash     bool
	Exclusions []string
	// Processor is one of property, strict, or source.
	Processor string
}

type ReadStep struct {
	Ref  string
	Type string
	ID   string
}

type CompareStep struct {
	Base    string
	Compare string
}

type SearchStep struct {
	Ref    string
	Type   string
	Filter map[string]any
}

// TestCasePaths returns a list of all test case file paths.
func TestCasePaths() (paths []string, _ error) {
	return paths, fs.WalkDir(casesFS, "cases", func(path string, d fs.DirEntry, err error) error {
		if filepath.Ext(path) == ".yaml" {
			paths = append(paths, path)
		}
		return err
	})
}

// LoadTestCase loads and parses a test case file.
func LoadTestCase(path string) (*TestCase, error) {
	data, err := fs.ReadFile(casesFS, path)
	if err != nil {
		return nil, err
	}
	var testCase TestCase
	if err := yaml.Unmarshal(data, &testCase); err != nil {
		return nil, err
	}
	return &testCase, nil
}
