package recipe

import "strings"

// AliasTable maps an alias name to the update_on entry keys it expands to.
// Values may reference "{pacman_db_dir}" and "{repo_name}", substituted
// against the loader's Options before merging with user-provided keys.
type AliasTable map[string]UpdateOnEntry

// DefaultAliases is the bundled alias table, mirroring nvchecker's
// built-in aliases for the handful of update sources this distribution
// relies on most.
func DefaultAliases() AliasTable {
	return AliasTable{
		"github": UpdateOnEntry{
			"source": "github",
			"use_max_tag": true,
		},
		"gitlab": UpdateOnEntry{
			"source": "gitlab",
		},
		"pypi": UpdateOnEntry{
			"source": "pypi",
		},
		"aur": UpdateOnEntry{
			"source": "aur",
		},
		"archpkg": UpdateOnEntry{
			"source": "archpkg",
		},
		"repology": UpdateOnEntry{
			"source": "repology",
		},
		"pacman": UpdateOnEntry{
			"source":        "cmd",
			"cmd":           "pacman -Sddp --dbpath {pacman_db_dir} --print-format %v {pkgname}",
			"pacman_db_dir": "{pacman_db_dir}",
		},
	}
}

// expandAlias resolves an entry's "alias" key (if any) against the table,
// substituting "{pacman_db_dir}"/"{repo_name}" placeholders in string
// values, then merges the user-provided keys over the expansion (user
// keys win).
func expandAlias(entry UpdateOnEntry, table AliasTable, subst map[string]string) UpdateOnEntry {
	aliasName, ok := entry.Alias()
	if !ok {
		return substituteEntry(entry, subst)
	}

	base, ok := table[aliasName]
	if !ok {
		return substituteEntry(entry, subst)
	}

	merged := make(UpdateOnEntry, len(base)+len(entry))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range entry {
		if k == "alias" {
			continue
		}
		merged[k] = v
	}

	return substituteEntry(merged, subst)
}

// substituteEntry performs "{key}" substitution on every string value in
// the entry.
func substituteEntry(entry UpdateOnEntry, subst map[string]string) UpdateOnEntry {
	if len(subst) == 0 {
		return entry
	}
	out := make(UpdateOnEntry, len(entry))
	for k, v := range entry {
		if s, ok := v.(string); ok {
			out[k] = substituteString(s, subst)
		} else {
			out[k] = v
		}
	}
	return out
}

func substituteString(s string, subst map[string]string) string {
	for k, v := range subst {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}
