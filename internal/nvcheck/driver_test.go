package nvcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

func TestBuildConfigKeysFirstEntryBare(t *testing.T) {
	recipes := map[string]*recipe.RecipeInfo{
		"foo": {
			Pkgbase: "foo",
			UpdateOn: []recipe.UpdateOnEntry{
				{"github": "owner/repo"},
				{"cmd": "echo 1"},
			},
		},
	}
	cfg, keyOrder, keyToPkgbase, entryIndex := buildConfig(recipes, nil)

	require.Contains(t, cfg, "foo")
	require.Contains(t, cfg, "foo:1")
	assert.Equal(t, []string{"foo", "foo:1"}, keyOrder)
	assert.Equal(t, "foo", keyToPkgbase["foo"])
	assert.Equal(t, "foo", keyToPkgbase["foo:1"])
	assert.Equal(t, 0, entryIndex["foo"])
	assert.Equal(t, 1, entryIndex["foo:1"])
}

func TestBuildConfigStripsAliasKey(t *testing.T) {
	recipes := map[string]*recipe.RecipeInfo{
		"foo": {
			Pkgbase: "foo",
			UpdateOn: []recipe.UpdateOnEntry{
				{"alias": "github", "github": "owner/repo"},
			},
		},
	}
	cfg, _, _, _ := buildConfig(recipes, nil)
	section := cfg["foo"].(map[string]any)
	assert.NotContains(t, section, "alias")
	assert.Equal(t, "owner/repo", section["github"])
}

func TestBuildConfigHonorsCareSet(t *testing.T) {
	recipes := map[string]*recipe.RecipeInfo{
		"foo": {Pkgbase: "foo", UpdateOn: []recipe.UpdateOnEntry{{"github": "a/a"}}},
		"bar": {Pkgbase: "bar", UpdateOn: []recipe.UpdateOnEntry{{"github": "b/b"}}},
	}
	cfg, _, _, _ := buildConfig(recipes, map[string]bool{"foo": true})
	assert.Contains(t, cfg, "foo")
	assert.NotContains(t, cfg, "bar")
}

func TestNvResultsHeadlineAndChanged(t *testing.T) {
	old, new1 := "1.0", "1.1"
	results := NvResults{
		{OldVer: &old, NewVer: &new1},
		{OldVer: &old, NewVer: &old},
	}
	assert.True(t, results.HeadlineChanged())
	assert.True(t, results.AnyChanged())
	assert.Equal(t, []int{0}, results.ChangedIndices())
}

func TestNvResultsNoEntriesHeadlineNotOk(t *testing.T) {
	var results NvResults
	_, ok := results.Headline()
	assert.False(t, ok)
	assert.False(t, results.HeadlineChanged())
}

func TestNvResultChangedHandlesNilVersions(t *testing.T) {
	r := NvResult{}
	assert.False(t, r.Changed())

	v := "1.0"
	r2 := NvResult{OldVer: nil, NewVer: &v}
	assert.True(t, r2.Changed())
}
