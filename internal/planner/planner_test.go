package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/history"
	"github.com/archlinuxcn/lilac-bot/internal/nvcheck"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

func strp(s string) *string { return &s }

func TestPlanNvCheckerRule(t *testing.T) {
	store := history.NewMemoryStore()
	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true},
		},
		NvResults: map[string]nvcheck.NvResults{
			"foo": {{OldVer: strp("1.0"), NewVer: strp("1.1")}},
		},
	}
	res, err := Plan(context.Background(), store, in)
	require.NoError(t, err)
	reason, ok := res.Ready["foo"]
	require.True(t, ok)
	assert.Equal(t, buildtypes.ReasonNvChecker, reason.Kind)
}

func TestPlanUnmanagedSkipped(t *testing.T) {
	store := history.NewMemoryStore()
	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: false},
		},
		NvResults: map[string]nvcheck.NvResults{
			"foo": {{OldVer: strp("1.0"), NewVer: strp("1.1")}},
		},
	}
	res, err := Plan(context.Background(), store, in)
	require.NoError(t, err)
	assert.Empty(t, res.Ready)
}

func TestPlanUpdatedFailedRule(t *testing.T) {
	store := history.NewMemoryStore()
	require.NoError(t, store.Record(context.Background(), history.LogEntry{
		Pkgbase: "foo", FinishedAt: time.Now(), Result: buildtypes.ResultFailed,
	}))
	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true},
		},
		NvResults: map[string]nvcheck.NvResults{
			// Headline unchanged, but a non-headline entry moved.
			"foo": {
				{OldVer: strp("1.0"), NewVer: strp("1.0")},
				{OldVer: strp("a"), NewVer: strp("b")},
			},
		},
	}
	res, err := Plan(context.Background(), store, in)
	require.NoError(t, err)
	reason, ok := res.Ready["foo"]
	require.True(t, ok)
	assert.Equal(t, buildtypes.ReasonUpdatedFailed, reason.Kind)
}

func TestPlanPkgrelChangedRule(t *testing.T) {
	store := history.NewMemoryStore()
	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true},
		},
		NvResults:     map[string]nvcheck.NvResults{"foo": {{OldVer: strp("1.0"), NewVer: strp("1.0")}}},
		PkgrelChanged: map[string]bool{"foo": true},
	}
	res, err := Plan(context.Background(), store, in)
	require.NoError(t, err)
	assert.Equal(t, buildtypes.ReasonUpdatedPkgrel, res.Ready["foo"].Kind)
}

func TestPlanOnBuildNoHistoryNoTrigger(t *testing.T) {
	store := history.NewMemoryStore()
	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true, UpdateOnBuild: []recipe.OnBuildTrigger{
				{Pkgbase: "bar"},
			}},
		},
	}
	res, err := Plan(context.Background(), store, in)
	require.NoError(t, err)
	assert.Empty(t, res.Ready)
}

func TestPlanOnBuildFiresWithoutPattern(t *testing.T) {
	store := history.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "bar", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "1.0-1"}))
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "bar", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "1.1-1"}))

	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true, UpdateOnBuild: []recipe.OnBuildTrigger{
				{Pkgbase: "bar"},
			}},
		},
	}
	res, err := Plan(ctx, store, in)
	require.NoError(t, err)
	reason, ok := res.Ready["foo"]
	require.True(t, ok)
	assert.Equal(t, buildtypes.ReasonOnBuild, reason.Kind)
	assert.Equal(t, "1.1-1", res.OnBuildVers["foo"]["bar"])
}

func TestPlanOnBuildPatternSuppressesUnchangedRewrite(t *testing.T) {
	store := history.NewMemoryStore()
	ctx := context.Background()
	// Versions differ only in a date suffix the pattern strips away.
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "bar", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "1.0.20240101-1"}))
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "bar", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "1.0.20240202-1"}))

	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true, UpdateOnBuild: []recipe.OnBuildTrigger{
				{Pkgbase: "bar", FromPattern: `\.\d{8}`, ToPattern: ""},
			}},
		},
	}
	res, err := Plan(ctx, store, in)
	require.NoError(t, err)
	assert.Empty(t, res.Ready)
}

func TestPlanOnBuildPatternFiresWhenRewriteDiffers(t *testing.T) {
	store := history.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "bar", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "1.0-1"}))
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "bar", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "2.0-1"}))

	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true, UpdateOnBuild: []recipe.OnBuildTrigger{
				{Pkgbase: "bar", FromPattern: `-\d+$`, ToPattern: ""},
			}},
		},
	}
	res, err := Plan(ctx, store, in)
	require.NoError(t, err)
	reason, ok := res.Ready["foo"]
	require.True(t, ok)
	assert.Equal(t, buildtypes.ReasonOnBuild, reason.Kind)
}

func TestPlanCmdlineRule(t *testing.T) {
	store := history.NewMemoryStore()
	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {Pkgbase: "foo", Managed: true},
		},
		Requested: map[string]string{"foo": "alice"},
	}
	res, err := Plan(context.Background(), store, in)
	require.NoError(t, err)
	reason, ok := res.Ready["foo"]
	require.True(t, ok)
	assert.Equal(t, buildtypes.ReasonCmdline, reason.Kind)
	assert.Equal(t, "alice", reason.Requester)
}

func TestPlanThrottle(t *testing.T) {
	store := history.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, history.LogEntry{Pkgbase: "foo", FinishedAt: time.Now(), Result: buildtypes.ResultSuccessful, Version: "1.0-1"}))

	in := Inputs{
		Recipes: map[string]*recipe.RecipeInfo{
			"foo": {
				Pkgbase:      "foo",
				Managed:      true,
				ThrottleInfo: []recipe.ThrottleInterval{{EntryIndex: 0, Interval: time.Hour}},
			},
		},
		NvResults: map[string]nvcheck.NvResults{
			"foo": {{OldVer: strp("1.0"), NewVer: strp("1.1")}},
		},
	}
	res, err := Plan(ctx, store, in)
	require.NoError(t, err)
	assert.Empty(t, res.Ready, "recent success within throttle interval should suppress the rebuild")
}
