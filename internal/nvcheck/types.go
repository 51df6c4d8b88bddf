// Package nvcheck drives the external upstream-version-checker ("nvchecker")
// subprocess: it serializes every managed recipe's update_on entries into
// one TOML config, streams back the checker's JSON-lines event log, and
// aggregates the results per pkgbase.
package nvcheck

// NvResult is the outcome of one update_on entry: old and new version,
// either of which may be absent (nil) when the entry has never resolved
// or errored.
type NvResult struct {
	OldVer *string
	NewVer *string
}

// Changed reports whether this entry's version moved.
func (r NvResult) Changed() bool {
	if r.OldVer == nil || r.NewVer == nil {
		return r.OldVer != r.NewVer
	}
	return *r.OldVer != *r.NewVer
}

// NvResults is the ordered list of per-entry results for one recipe.
type NvResults []NvResult

// Headline returns the first entry's result, used as the recipe's primary
// old/new version pair. Ok is false if the recipe had no update_on
// entries at all.
func (rs NvResults) Headline() (NvResult, bool) {
	if len(rs) == 0 {
		return NvResult{}, false
	}
	return rs[0], true
}

// HeadlineChanged reports whether the headline entry's version moved.
func (rs NvResults) HeadlineChanged() bool {
	h, ok := rs.Headline()
	return ok && h.Changed()
}

// AnyChanged reports whether any entry (not just the headline) changed.
func (rs NvResults) AnyChanged() bool {
	for _, r := range rs {
		if r.Changed() {
			return true
		}
	}
	return false
}

// ChangedIndices returns the indices of entries whose version moved.
func (rs NvResults) ChangedIndices() []int {
	var out []int
	for i, r := range rs {
		if r.Changed() {
			out = append(out, i)
		}
	}
	return out
}

// ErrorBundle collects version-check errors attributable to a set of
// maintainers, accumulated per-recipe during a check run.
type ErrorBundle struct {
	Pkgbase string
	Entries []EntryError
}

// EntryError is one warning/error event from the checker, attributed to
// a specific update_on entry.
type EntryError struct {
	EntryIndex int
	Level      string // "warning" or "error"
	Message    string
}

// event mirrors one JSON line emitted by the external
// version-check-interchange-compatible checker.
type event struct {
	Event      string `json:"event"`
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
	OldVersion string `json:"old_version,omitempty"`
	Level      string `json:"level,omitempty"`
	Msg        string `json:"msg,omitempty"`
}
