package recipe

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RecipeFileName is the declarative recipe file recognized in each
// directory of the recipe tree.
const RecipeFileName = "lilac.yaml"

// rawDepend accepts either a plain string ("pkgbase") or a single-entry
// mapping ({pkgbase: pkgname}) in the recipe file.
type rawDepend struct {
	Pkgbase string
	Pkgname string
}

func (d *rawDepend) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		d.Pkgbase, d.Pkgname = s, s
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("dependency mapping must have exactly one key, got %d", len(m))
		}
		for k, v := range m {
			d.Pkgbase, d.Pkgname = k, v
		}
		return nil
	default:
		return fmt.Errorf("unsupported dependency node kind %v", node.Kind)
	}
}

// rawThrottle is one throttle_info entry: an update_on entry index (or
// "*" for all entries) and a duration string parseable by time.ParseDuration.
type rawThrottle struct {
	Entry string `yaml:"entry"`
	Every string `yaml:"every"`
}

// rawFile mirrors the recognized keys of the declarative recipe file
// the loader recognizes.
type rawFile struct {
	Maintainers []Maintainer `yaml:"maintainers,omitempty"`

	UpdateOn      []UpdateOnEntry  `yaml:"update_on,omitempty"`
	UpdateOnBuild []OnBuildTrigger `yaml:"update_on_build,omitempty"`
	ThrottleInfo  []rawThrottle    `yaml:"throttle_info,omitempty"`

	RepoDepends     []rawDepend `yaml:"repo_depends,omitempty"`
	RepoMakedepends []rawDepend `yaml:"repo_makedepends,omitempty"`

	TimeLimitHours *float64 `yaml:"time_limit_hours"`

	Staging bool `yaml:"staging,omitempty"`
	Managed *bool `yaml:"managed,omitempty"`

	AllowedWorkers []string `yaml:"allowed_workers,omitempty"`
	PinWorker      string   `yaml:"pin_worker,omitempty"`

	BuildArgs map[string]string `yaml:"build_args,omitempty"`

	PrepareScript         string `yaml:"prepare_script,omitempty"`
	PreBuildScript        string `yaml:"pre_build_script,omitempty"`
	PostBuildScript       string `yaml:"post_build_script,omitempty"`
	PostBuildAlwaysScript string `yaml:"post_build_always_script,omitempty"`
}

// parseRawFile parses the recipe YAML bytes into the raw schema.
func parseRawFile(data []byte) (*rawFile, error) {
	var rf rawFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &rf, nil
}

// toThrottleIntervals resolves rawThrottle entries against the number of
// update_on entries, expanding "*" to apply to every entry.
func toThrottleIntervals(raw []rawThrottle, numEntries int) ([]ThrottleInterval, error) {
	var out []ThrottleInterval
	for _, t := range raw {
		d, err := time.ParseDuration(t.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing throttle interval %q: %w", t.Every, err)
		}
		if t.Entry == "*" || t.Entry == "" {
			for i := 0; i < numEntries; i++ {
				out = append(out, ThrottleInterval{EntryIndex: i, Interval: d})
			}
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(t.Entry, "%d", &idx); err != nil {
			return nil, fmt.Errorf("parsing throttle entry index %q: %w", t.Entry, err)
		}
		out = append(out, ThrottleInterval{EntryIndex: idx, Interval: d})
	}
	return out, nil
}
