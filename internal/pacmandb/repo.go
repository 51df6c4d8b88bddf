// Package pacmandb answers read-only questions about the distribution's
// official package repository by shelling out to pacman against a local
// mirror of the sync databases, the same "drive a real external tool and
// parse its stdout" shape internal/nvcheck uses for the version checker.
package pacmandb

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
)

// Repo implements buildworker.OfficialRepo by querying a pacman database
// directory synced ahead of time by prepare_batch's pacman database
// refresh.
type Repo struct {
	DBPath string
}

// New returns a Repo reading from dbPath (the mirrored sync db root, e.g.
// ~/.lilac/pacmandb).
func New(dbPath string) *Repo {
	return &Repo{DBPath: dbPath}
}

// HasPackage reports whether pkgname exists in any synced official repo.
func (r *Repo) HasPackage(pkgname string) bool {
	cmd := exec.Command("pacman", "--dbpath", r.DBPath, "-Sp", "--print-format", "%n", pkgname)
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) != ""
}

// HasGroup reports whether group names a package group in any synced
// official repo.
func (r *Repo) HasGroup(group string) bool {
	cmd := exec.Command("pacman", "--dbpath", r.DBPath, "-Sg", group)
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) != ""
}

// InstalledVersion returns the version pacman currently has synced for
// pkgname in the official repos, used for the downgrade policy check.
func (r *Repo) InstalledVersion(pkgname string) (pkgver.PkgVers, bool) {
	cmd := exec.Command("pacman", "--dbpath", r.DBPath, "-Si", pkgname)
	out, err := cmd.Output()
	if err != nil {
		return pkgver.PkgVers{}, false
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		key, val, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "Version" {
			continue
		}
		v, err := pkgver.Parse(strings.TrimSpace(val))
		if err != nil {
			return pkgver.PkgVers{}, false
		}
		return v, true
	}
	return pkgver.PkgVers{}, false
}

// Refresh synchronizes the mirrored databases, run once per scheduler
// batch, as part of prepare_batch.
func Refresh(ctx context.Context, dbPath string) error {
	cmd := exec.CommandContext(ctx, "pacman", "--dbpath", dbPath, "-Sy")
	return cmd.Run()
}
