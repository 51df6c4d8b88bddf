// Copyright 2022 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package recipe loads and validates package-recipe directories: one
// subdirectory per pkgbase, each carrying a declarative lilac.yaml plus
// optional scripted hooks.
package recipe

import "time"

// Maintainer identifies someone responsible for a recipe.
type Maintainer struct {
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Email  string `yaml:"email,omitempty" json:"email,omitempty"`
	GitHub string `yaml:"github,omitempty" json:"github,omitempty"`
}

// Depend is a (pkgbase, pkgname) reference. Pkgname defaults to Pkgbase
// when a plain string is used in the recipe file.
type Depend struct {
	Pkgbase string `yaml:"-" json:"pkgbase"`
	Pkgname string `yaml:"-" json:"pkgname"`
}

// OnBuildTrigger cascades a build of this recipe when the referenced
// pkgbase's rewritten version changes between its last two successful
// builds.
type OnBuildTrigger struct {
	Pkgbase     string `yaml:"pkgbase" json:"pkgbase"`
	FromPattern string `yaml:"from_pattern,omitempty" json:"from_pattern,omitempty"`
	ToPattern   string `yaml:"to_pattern,omitempty" json:"to_pattern,omitempty"`
}

// UpdateOnEntry is one opaque version-source entry forwarded verbatim
// (after alias expansion) to the external version checker. Recognized
// keys like "alias" drive loader-side expansion; everything else is
// forwarded as-is.
type UpdateOnEntry map[string]any

// Alias returns the "alias" key, if present.
func (e UpdateOnEntry) Alias() (string, bool) {
	v, ok := e["alias"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ThrottleInterval is the minimum interval between rebuilds driven by one
// update_on entry.
type ThrottleInterval struct {
	EntryIndex int           `json:"entry_index"`
	Interval   time.Duration `json:"interval"`
}

// RecipeInfo is the fully loaded and validated configuration for one
// pkgbase.
type RecipeInfo struct {
	Pkgbase string

	Maintainers []Maintainer

	UpdateOn      []UpdateOnEntry
	UpdateOnBuild []OnBuildTrigger
	ThrottleInfo  []ThrottleInterval

	RepoDepends     []Depend
	RepoMakedepends []Depend

	TimeLimitHours float64

	Staging bool
	Managed bool

	AllowedWorkers []string
	// PinWorker, when set, is equivalent to AllowedWorkers = [PinWorker].
	// Mirrors lilac2/lilacyaml.py's per-recipe overrides.
	PinWorker string

	// BuildArgs are extra environment variables forwarded to the worker
	// subprocess for this recipe only.
	BuildArgs map[string]string

	// Dir is the absolute path to the recipe's directory.
	Dir string

	// Hooks, if present, are the script bodies for the lifecycle callbacks.
	Hooks Hooks
}

// Hooks holds the optional scripted callback bodies. Each is interpreted
// as POSIX shell by internal/buildworker/hooks (see DESIGN.md).
type Hooks struct {
	Prepare           string
	PreBuild          string
	PostBuild         string
	PostBuildAlways   string
}

// EffectiveAllowedWorkers returns AllowedWorkers, folding in PinWorker
// when set.
func (r RecipeInfo) EffectiveAllowedWorkers() []string {
	if r.PinWorker != "" {
		return []string{r.PinWorker}
	}
	return r.AllowedWorkers
}
