// Package project composes the state engine for one repository: config,
// logger, version control adapter, store, document tree, loader,
// coordinator, and consistency tooling, wired together with the right
// ownership. Nothing here is a singleton; two Projects over two
// repositories are fully independent.
package project

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consistency"
	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/loader"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/txn"
	"github.com/loomworks/loom/internal/vcs"
)

// Project is one opened repository with the full engine wired.
type Project struct {
	Root   string
	Config *config.Config
	Log    *slog.Logger

	VCS         *vcs.Git
	Tree        *docs.Tree
	Store       *store.Store
	Loader      *loader.Loader
	Coordinator *txn.Coordinator
	Checker     *consistency.Checker
	Repairer    *consistency.Repairer

	logCloser io.Closer
}

// Open locates the repository containing path and wires the engine over it.
// The database and schema are created if absent. The caller must Close.
func Open(path string) (*Project, error) {
	git, err := vcs.NewGit(path)
	if err != nil {
		return nil, err
	}
	root := git.Root()

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	log, logCloser := logging.New(root, cfg.Log)

	if err := WriteIgnoreRules(git); err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	st, err := store.Open(filepath.Join(root, cfg.Database))
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	if err := st.InitSchema(context.Background()); err != nil {
		_ = st.Close()
		_ = logCloser.Close()
		return nil, err
	}

	p := &Project{
		Root:      root,
		Config:    cfg,
		Log:       log,
		VCS:       git,
		Tree:      docs.NewTree(root),
		Store:     st,
		logCloser: logCloser,
	}

	p.Loader = loader.New(st,
		loader.WithCacheSize(cfg.Cache.Size),
		loader.WithTTL(cfg.Cache.TTL))

	p.Coordinator = txn.New(git, st, p.Tree,
		txn.WithInvalidator(p.Loader),
		txn.WithLockTimeout(cfg.Txn.LockTimeout),
		txn.WithCommitDatabase(cfg.CommitDatabase),
		txn.WithLogger(log))

	p.Checker = consistency.NewChecker(st, p.Tree, git)
	p.Repairer = consistency.NewRepairer(p.Checker, p.Coordinator)

	return p, nil
}

// Close releases the store and the log writer.
func (p *Project) Close() error {
	err := p.Store.Close()
	if cerr := p.logCloser.Close(); err == nil {
		err = cerr
	}
	return err
}

const (
	ignoreBegin = "# loom rules begin"
	ignoreEnd   = "# loom rules end"
)

// WriteIgnoreRules maintains a managed block in the repository's
// info/exclude. The exclude file is used instead of a tracked .gitignore
// because updating it must not dirty the working tree; the coordinator
// refuses to run against a dirty tree. WAL sidecars and the log are never
// committed. The database file is excluded too: a fresh, still-untracked
// database would otherwise dirty the tree before the first write can
// happen; when the commit-database policy is on, the coordinator
// force-adds it and the rule stops applying once it is tracked.
func WriteIgnoreRules(git *vcs.Git) error {
	path, err := git.ExcludePath(context.Background())
	if err != nil {
		return err
	}

	rules := ignoreBegin + "\n" +
		config.Dir + "/*.log\n" +
		config.Dir + "/*.db-wal\n" +
		config.Dir + "/*.db-shm\n" +
		config.Dir + "/*.db\n" +
		ignoreEnd + "\n"

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}

	updated := replaceManagedBlock(string(existing), rules)
	if updated == string(existing) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create exclude directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	return nil
}

// replaceManagedBlock swaps the marker-delimited block in content for
// rules, appending the block if no markers exist yet. Content outside the
// markers is preserved untouched.
func replaceManagedBlock(content, rules string) string {
	begin := strings.Index(content, ignoreBegin)
	end := strings.Index(content, ignoreEnd)
	if begin < 0 || end < begin {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content + rules
	}
	after := content[end+len(ignoreEnd):]
	after = strings.TrimPrefix(after, "\n")
	return content[:begin] + rules + after
}
