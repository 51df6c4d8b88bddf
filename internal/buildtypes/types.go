// Copyright 2024 Chainguard, Inc.
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

// Package buildtypes defines the shared data model for the build
// orchestration engine: build reasons, build results, resource usage and
// the queued-work item that flows from the planner through the scheduler
// to a worker.
package buildtypes

import (
	"fmt"
	"time"
)

// BuildReasonKind tags the variant of a BuildReason.
type BuildReasonKind string

const (
	ReasonNvChecker     BuildReasonKind = "nvchecker"
	ReasonUpdatedFailed BuildReasonKind = "updated_failed"
	ReasonUpdatedPkgrel BuildReasonKind = "updated_pkgrel"
	ReasonDepended      BuildReasonKind = "depended"
	ReasonFailedByDeps  BuildReasonKind = "failed_by_deps"
	ReasonCmdline       BuildReasonKind = "cmdline"
	ReasonOnBuild       BuildReasonKind = "on_build"
)

// BuildReason explains why a pkgbase was scheduled, carried through the
// scheduler for logging and mail rendering.
type BuildReason struct {
	Kind BuildReasonKind

	// NvChecker: indices (or pkgbase:i keys) of the update_on entries that
	// changed.
	Items []string

	// Depended / FailedByDeps: the pkgbases this one depends on / that
	// failed.
	Deps []string

	// Cmdline: the user who requested the build, if known.
	Requester string

	// OnBuild: the update_on_build triggers that fired, with their
	// resolved (old, new) version pair.
	Triggers []OnBuildTrigger
}

// OnBuildTrigger is a single fired update_on_build cascade.
type OnBuildTrigger struct {
	TriggerPkgbase string
	OldVersion     string
	NewVersion     string
}

func (r BuildReason) String() string {
	switch r.Kind {
	case ReasonNvChecker:
		return fmt.Sprintf("nvchecker(%v)", r.Items)
	case ReasonUpdatedFailed:
		return "previous build failed and upstream changed"
	case ReasonUpdatedPkgrel:
		return "pkgrel bumped"
	case ReasonDepended:
		return fmt.Sprintf("depended(%v)", r.Deps)
	case ReasonFailedByDeps:
		return fmt.Sprintf("failed_by_deps(%v)", r.Deps)
	case ReasonCmdline:
		if r.Requester != "" {
			return fmt.Sprintf("requested by %s", r.Requester)
		}
		return "requested from command line"
	case ReasonOnBuild:
		return fmt.Sprintf("on_build(%v)", r.Triggers)
	default:
		return string(r.Kind)
	}
}

// BuildResultKind tags the variant of a BuildResult.
type BuildResultKind string

const (
	ResultSuccessful BuildResultKind = "successful"
	ResultStaged     BuildResultKind = "staged"
	ResultFailed     BuildResultKind = "failed"
	ResultSkipped    BuildResultKind = "skipped"
)

// RUsage is the resource usage attached to a completed build.
type RUsage struct {
	CPUSeconds     float64
	PeakMemoryByte uint64
}

// BuildResult is the outcome of one build attempt.
type BuildResult struct {
	Kind    BuildResultKind
	Error   string // set when Kind == ResultFailed
	Reason  string // set when Kind == ResultSkipped
	Version string // built PkgVers.String(), set on success/staged

	RUsage  RUsage
	Elapsed time.Duration

	// Report, when non-empty, is a pre-rendered maintainer-facing subject
	// and body for a failure.
	ReportSubject string
	ReportBody    string
}

// Truthy reports whether the result counts as "the build produced usable
// artifacts" — true for Successful and Staged.
func (r BuildResult) Truthy() bool {
	return r.Kind == ResultSuccessful || r.Kind == ResultStaged
}

// PkgToBuild is a queued work item handed from the planner/scheduler to a
// worker.
type PkgToBuild struct {
	Pkgbase        string
	OnBuildVers    map[string]string // triggering pkgbase -> new version, for commit messages
	AssignedWorker string
}

// Maintainer identifies a recipe maintainer.
type Maintainer struct {
	Name   string
	Email  string
	GitHub string
}

// Rusages maps pkgbase -> worker name -> most recent successful resource
// usage, used by the Worker Manager to predict build cost.
type Rusages map[string]map[string]UsedResource

// UsedResource is one historical (cpu, memory, elapsed) observation.
type UsedResource struct {
	CPUSeconds     float64
	PeakMemoryByte uint64
	Elapsed        time.Duration
}

// Intensity returns cpu_seconds / elapsed_seconds, defaulting to 1.0 when
// elapsed is zero (unknown cost).
func (u UsedResource) Intensity() float64 {
	secs := u.Elapsed.Seconds()
	if secs <= 0 {
		return 1.0
	}
	return u.CPUSeconds / secs
}
