package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/nasdf/branchdb"
	"github.com/nasdf/branchdb/config"
	"github.com/nasdf/branchdb/core"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"
)

const Version = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

const usage = `Branch aware document store.

The storage backend and schema are read from the config file and the
BRANCHDB_* environment variables.

Usage:
    branchdb init --schema=<schema> [--config=<config>]
    branchdb branch create <parent> <name> [--config=<config>] [--user=<user>]
    branchdb branch delete <path> [--config=<config>] [--user=<user>]
    branchdb branch list [--config=<config>]
    branchdb commit <path> <file> [--config=<config>] [--user=<user>] [--message=<message>]
    branchdb read <ref> <type> [<id>] [--config=<config>]
    branchdb compare <base> <compare> [--config=<config>]
    branchdb merge <source> <target> [--config=<config>] [--user=<user>] [--message=<message>]
        [--force] [--squash] [--exclude=<id>...]
    branchdb rebase <path> [--config=<config>] [--user=<user>] [--force]
    branchdb log <path> [--config=<config>]
    branchdb -h | --help
    branchdb --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Config file path.
    --schema=<schema>      GraphQL SDL file declaring the document types.
    --user=<user>          User recorded as author and lock owner [default: cli].
    --message=<message>    Commit message.
    --force                Resolve conflicts with the source version.
    --squash               Record a single merge message without origins.
    --exclude=<id>         Document id left out of the merge.`

// changeFile is a single entry of a commit file.
type changeFile struct {
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id"`
	Value  map[string]any `yaml:"value"`
	Remove bool           `yaml:"remove"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		Err.Fatal(err)
	}
	if err := run(context.Background(), opts); err != nil {
		Err.Fatal(err)
	}
}

func run(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if isCommand(opts, "init") {
		cfg.Schema, _ = opts.String("--schema")
	}
	db, err := branchdb.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	user, _ := opts.String("--user")
	switch {
	case isCommand(opts, "init"):
		Out.Printf("initialized %s repository", cfg.Storage.Backend)
		return nil

	case isCommand(opts, "branch"):
		return branch(ctx, db, opts, user)

	case isCommand(opts, "commit"):
		return commit(ctx, db, opts, user)

	case isCommand(opts, "read"):
		return read(ctx, db, opts)

	case isCommand(opts, "compare"):
		return compare(ctx, db, opts)

	case isCommand(opts, "merge"):
		source, _ := opts.String("<source>")
		target, _ := opts.String("<target>")
		return merge(ctx, db, source, target, mergeOptions(opts, user))

	case isCommand(opts, "rebase"):
		path, _ := opts.String("<path>")
		m, err := db.Rebase(ctx, path, mergeOptions(opts, user))
		return report(m, err)

	case isCommand(opts, "log"):
		path, _ := opts.String("<path>")
		commits, err := db.Commits(ctx, path, 0, 0)
		if err != nil {
			return err
		}
		return output(commits)
	}
	return nil
}

func isCommand(opts docopt.Opts, name string) bool {
	ok, _ := opts.Bool(name)
	return ok
}

func branch(ctx context.Context, db *branchdb.DB, opts docopt.Opts, user string) error {
	switch {
	case isCommand(opts, "create"):
		parent, _ := opts.String("<parent>")
		name, _ := opts.String("<name>")
		b, err := db.CreateBranch(ctx, parent, name, user)
		if err != nil {
			return err
		}
		return output(b)

	case isCommand(opts, "delete"):
		path, _ := opts.String("<path>")
		return db.DeleteBranch(ctx, path, user)

	default:
		branches, err := db.Branches(ctx)
		if err != nil {
			return err
		}
		for _, b := range branches {
			Out.Printf("%s\t%s\thead=%d base=%d", b.Path, b.State, b.Head, b.Base)
		}
		return nil
	}
}

func commit(ctx context.Context, db *branchdb.DB, opts docopt.Opts, user string) error {
	path, _ := opts.String("<path>")
	file, _ := opts.String("<file>")
	message, _ := opts.String("--message")

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var entries []changeFile
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	changes := make([]core.Change, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, core.Change{Type: e.Type, ID: e.ID, Value: e.Value, Remove: e.Remove})
	}
	c, err := db.Commit(ctx, path, user, message, changes...)
	if errors.Is(err, core.ErrEmptyCommit) {
		Out.Printf("nothing to commit")
		return nil
	}
	if err != nil {
		return err
	}
	Out.Printf("%s %s@%d (%d objects)", c.ID, c.Branch, c.Timestamp, len(c.Affected))
	return nil
}

func read(ctx context.Context, db *branchdb.DB, opts docopt.Opts) error {
	ref, err := parseRef(opts, "<ref>")
	if err != nil {
		return err
	}
	typ, _ := opts.String("<type>")
	if id, _ := opts.String("<id>"); id != "" {
		doc, err := db.Read(ctx, ref, typ, id)
		if err != nil {
			return err
		}
		value, err := doc.Value()
		if err != nil {
			return err
		}
		return output(value)
	}
	docs, err := db.ReadAll(ctx, ref, typ)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(docs))
	for _, doc := range docs {
		value, err := doc.Value()
		if err != nil {
			return err
		}
		values[doc.ID] = value
	}
	return output(values)
}

func compare(ctx context.Context, db *branchdb.DB, opts docopt.Opts) error {
	base, err := parseRef(opts, "<base>")
	if err != nil {
		return err
	}
	other, err := parseRef(opts, "<compare>")
	if err != nil {
		return err
	}
	details, err := db.Compare(ctx, base, other)
	if err != nil {
		return err
	}
	for _, d := range details {
		switch d.Op {
		case core.OpChange:
			Out.Printf("%s %s/%s %s: %v -> %v", d.Op, d.Type, d.ObjectID, d.Property, d.From, d.To)
		default:
			Out.Printf("%s %s/%s", d.Op, d.Type, d.ObjectID)
		}
	}
	return nil
}

func mergeOptions(opts docopt.Opts, user string) core.MergeOptions {
	message, _ := opts.String("--message")
	force, _ := opts.Bool("--force")
	squash, _ := opts.Bool("--squash")
	var exclusions []string
	if v, ok := opts["--exclude"].([]string); ok {
		exclusions = v
	}
	return core.MergeOptions{
		Exclusions: exclusions,
		Squash:     squash,
		Force:      force,
		User:       user,
		Comment:    message,
	}
}

func merge(ctx context.Context, db *branchdb.DB, source, target string, opts core.MergeOptions) error {
	return report(db.Merge(ctx, source, target, opts))
}

func report(m *core.Merge, err error) error {
	var conflictErr *core.MergeConflictError
	if errors.As(err, &conflictErr) {
		for _, c := range conflictErr.Conflicts {
			Out.Printf("%s %s/%s %s", c.Type, c.ObjectType, c.ObjectID, c.Property)
		}
		return err
	}
	if err != nil {
		return err
	}
	Out.Printf("%s %s %s", m.Kind, m.ID, m.State)
	return nil
}

func parseRef(opts docopt.Opts, key string) (core.Ref, error) {
	s, _ := opts.String(key)
	return core.ParseRef(s)
}

func output(value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	Out.Print(string(data))
	return nil
}
