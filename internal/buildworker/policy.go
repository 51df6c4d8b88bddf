package buildworker

import (
	"fmt"
	"regexp"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
)

// Artifact describes one binary package produced by a build, enough
// metadata to run the three fatal official-repository policy checks.
type Artifact struct {
	Pkgname  string
	Version  pkgver.PkgVers
	Provides []string
	Replaces []string
	Groups   []string
}

// OfficialRepo answers the three questions policy checks need about the
// distribution's official repository, without this package depending on
// how that repository is actually consulted (pacman, in production).
type OfficialRepo interface {
	HasPackage(pkgname string) bool
	HasGroup(group string) bool
	InstalledVersion(pkgname string) (pkgver.PkgVers, bool)
}

var unversionedSOPattern = regexp.MustCompile(`\.so$`)

// CheckPolicy runs the three fatal checks against one artifact. The
// first violation is returned as an error; callers run it per artifact.
func CheckPolicy(a Artifact, repo OfficialRepo) error {
	for _, r := range a.Replaces {
		if repo.HasPackage(r) {
			return fmt.Errorf("artifact %s replaces official package %s", a.Pkgname, r)
		}
	}
	for _, g := range a.Groups {
		if repo.HasGroup(g) {
			return fmt.Errorf("artifact %s belongs to official group %s", a.Pkgname, g)
		}
	}

	if installed, ok := repo.InstalledVersion(a.Pkgname); ok {
		if pkgver.Less(a.Version, installed) {
			return fmt.Errorf("artifact %s version %s is a downgrade from installed %s", a.Pkgname, a.Version, installed)
		}
	}

	for _, p := range a.Provides {
		if isUnversionedSO(p) {
			return fmt.Errorf("artifact %s provides unversioned shared object %s", a.Pkgname, p)
		}
	}

	return nil
}

// isUnversionedSO reports whether provides entry p names a .so file with
// no version suffix (e.g. "libfoo.so" rather than "libfoo.so.1").
func isUnversionedSO(p string) bool {
	return unversionedSOPattern.MatchString(p)
}
