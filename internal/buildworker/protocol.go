// Package buildworker implements the per-build subprocess protocol:
// load the recipe, run its scripted hooks inside a
// restricted shell interpreter, invoke the external package builder,
// check the produced artifacts against repository policy, and report a
// JSON result back to the parent scheduler.
package buildworker

import (
	"encoding/json"
	"time"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

// Input is the JSON document the parent writes to the child's stdin.
type Input struct {
	Pkgbase           string            `json:"pkgbase"`
	DependPackages    []string          `json:"depend_packages"`
	UpdateInfo        map[string]string `json:"update_info"`
	OnBuildVers       map[string]string `json:"on_build_vers"`
	CommitMsgTemplate string            `json:"commit_msg_template"`
	Bindmounts        []string          `json:"bindmounts"`
	Tmpfs             []string          `json:"tmpfs"`
	WorkerNo          int               `json:"worker_no"`
	WorkerMan         string            `json:"workerman"`
	Deadline          time.Time         `json:"deadline"`
	Reponame          string            `json:"reponame"`
	ResultPath        string            `json:"result"`
	BuildArgs         map[string]string `json:"build_args,omitempty"`
}

// Status is the terminal outcome tag written into Result.
type Status string

const (
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is the JSON document the child writes to Input.ResultPath.
type Result struct {
	Status  Status               `json:"status"`
	Msg     string                `json:"msg,omitempty"`
	Version string                `json:"version,omitempty"`
	RUsage  *buildtypes.RUsage    `json:"rusage,omitempty"`
	Report  *MaintainerReport     `json:"report,omitempty"`
}

// MaintainerReport carries a pre-rendered subject+body for the failure
// mail.
type MaintainerReport struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ToBuildResult converts the wire Result into the shared BuildResult
// type the scheduler and history store use.
func (r Result) ToBuildResult(elapsed time.Duration) buildtypes.BuildResult {
	br := buildtypes.BuildResult{Version: r.Version, Elapsed: elapsed}
	switch r.Status {
	case StatusDone:
		br.Kind = buildtypes.ResultSuccessful
	case StatusSkipped:
		br.Kind = buildtypes.ResultSkipped
		br.Reason = r.Msg
	default:
		br.Kind = buildtypes.ResultFailed
		br.Error = r.Msg
	}
	if r.RUsage != nil {
		br.RUsage = *r.RUsage
	}
	if r.Report != nil {
		br.ReportSubject = r.Report.Subject
		br.ReportBody = r.Report.Body
	}
	return br
}

// MarshalResult serializes a Result the way the child writes it.
func MarshalResult(r Result) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
