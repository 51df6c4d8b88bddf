package buildworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
)

type fakeRepo struct {
	packages  map[string]bool
	groups    map[string]bool
	installed map[string]pkgver.PkgVers
}

func (f fakeRepo) HasPackage(name string) bool { return f.packages[name] }
func (f fakeRepo) HasGroup(name string) bool   { return f.groups[name] }
func (f fakeRepo) InstalledVersion(name string) (pkgver.PkgVers, bool) {
	v, ok := f.installed[name]
	return v, ok
}

func mustParse(t *testing.T, s string) pkgver.PkgVers {
	t.Helper()
	v, err := pkgver.Parse(s)
	require.NoError(t, err)
	return v
}

func TestCheckPolicyOK(t *testing.T) {
	repo := fakeRepo{}
	a := Artifact{Pkgname: "foo", Version: mustParse(t, "1.0-1"), Provides: []string{"libfoo.so.1"}}
	assert.NoError(t, CheckPolicy(a, repo))
}

func TestCheckPolicyRejectsReplacingOfficialPackage(t *testing.T) {
	repo := fakeRepo{packages: map[string]bool{"bar": true}}
	a := Artifact{Pkgname: "foo", Version: mustParse(t, "1.0-1"), Replaces: []string{"bar"}}
	assert.Error(t, CheckPolicy(a, repo))
}

func TestCheckPolicyRejectsOfficialGroup(t *testing.T) {
	repo := fakeRepo{groups: map[string]bool{"base": true}}
	a := Artifact{Pkgname: "foo", Version: mustParse(t, "1.0-1"), Groups: []string{"base"}}
	assert.Error(t, CheckPolicy(a, repo))
}

func TestCheckPolicyRejectsDowngrade(t *testing.T) {
	repo := fakeRepo{installed: map[string]pkgver.PkgVers{"foo": mustParse(t, "2.0-1")}}
	a := Artifact{Pkgname: "foo", Version: mustParse(t, "1.0-1")}
	assert.Error(t, CheckPolicy(a, repo))
}

func TestCheckPolicyAllowsUpgrade(t *testing.T) {
	repo := fakeRepo{installed: map[string]pkgver.PkgVers{"foo": mustParse(t, "1.0-1")}}
	a := Artifact{Pkgname: "foo", Version: mustParse(t, "2.0-1")}
	assert.NoError(t, CheckPolicy(a, repo))
}

func TestCheckPolicyRejectsUnversionedSO(t *testing.T) {
	repo := fakeRepo{}
	a := Artifact{Pkgname: "foo", Version: mustParse(t, "1.0-1"), Provides: []string{"libfoo.so"}}
	assert.Error(t, CheckPolicy(a, repo))
}

func TestIsUnversionedSO(t *testing.T) {
	assert.True(t, isUnversionedSO("libfoo.so"))
	assert.False(t, isUnversionedSO("libfoo.so.1"))
	assert.False(t, isUnversionedSO("libfoo.so.1.2.3"))
}
