// Package vcs answers two questions about the recipe tree's git history:
// which pkgbases changed between two revisions, and who last touched a
// recipe with no declared maintainer. Modeled on a go-git/v5
// PlainOpenWithOptions-based "read HEAD" usage, generalized to "diff and
// blame".
package vcs

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

// Repo wraps the recipe tree's git repository.
type Repo struct {
	repo    *git.Repository
	repodir string
}

// Open opens the git repository rooted at or above repodir.
func Open(repodir string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(repodir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening git repository at %s: %w", repodir, err)
	}
	return &Repo{repo: r, repodir: repodir}, nil
}

// ChangedPkgbases returns the set of top-level recipe directories with
// any file changed between fromRev and toRev ("" for toRev means HEAD).
// This feeds the planner's ChangedFiles input.
func (r *Repo) ChangedPkgbases(fromRev, toRev string) (map[string]bool, error) {
	fromCommit, err := r.resolveCommit(fromRev)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", fromRev, err)
	}
	if toRev == "" {
		toRev = "HEAD"
	}
	toCommit, err := r.resolveCommit(toRev)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", toRev, err)
	}

	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree at %s: %w", fromRev, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree at %s: %w", toRev, err)
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", fromRev, toRev, err)
	}

	out := make(map[string]bool)
	for _, c := range changes {
		for _, path := range []string{c.From.Name, c.To.Name} {
			if path == "" {
				continue
			}
			if pkgbase := topLevelDir(path); pkgbase != "" {
				out[pkgbase] = true
			}
		}
	}
	return out, nil
}

func (r *Repo) resolveCommit(rev string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, err
	}
	return r.repo.CommitObject(*hash)
}

func topLevelDir(path string) string {
	path = strings.TrimPrefix(path, "./")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// BlameMaintainer returns the author of the most recent commit touching
// any file under
// pkgbase's directory, used as recipe.MaintainerFallback when a recipe
// declares no maintainers.
func (r *Repo) BlameMaintainer(pkgbase, dir string) ([]recipe.Maintainer, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("determining HEAD: %w", err)
	}
	commitIter, err := r.repo.Log(&git.LogOptions{From: head.Hash(), PathFilter: func(p string) bool {
		return strings.HasPrefix(p, pkgbase+"/")
	}})
	if err != nil {
		return nil, fmt.Errorf("walking log for %s: %w", pkgbase, err)
	}
	defer commitIter.Close()

	c, err := commitIter.Next()
	if err == io.EOF {
		return nil, fmt.Errorf("no commits touch %s", pkgbase)
	}
	if err != nil {
		return nil, fmt.Errorf("reading log for %s: %w", pkgbase, err)
	}

	return []recipe.Maintainer{{Name: c.Author.Name, Email: c.Author.Email}}, nil
}

// Fallback adapts BlameMaintainer to recipe.MaintainerFallback.
func (r *Repo) Fallback() recipe.MaintainerFallback {
	return func(pkgbase, dir string) ([]recipe.Maintainer, error) {
		rel, err := filepath.Rel(r.repodir, dir)
		if err != nil {
			rel = pkgbase
		}
		return r.BlameMaintainer(topLevelDir(rel+"/"), dir)
	}
}
