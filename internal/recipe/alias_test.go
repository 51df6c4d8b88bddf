package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandAliasKnown(t *testing.T) {
	table := DefaultAliases()
	got := expandAlias(UpdateOnEntry{"alias": "github"}, table, nil)
	assert.Equal(t, "github", got["source"])
	assert.Equal(t, true, got["use_max_tag"])
	_, hasAlias := got["alias"]
	assert.False(t, hasAlias)
}

func TestExpandAliasUserKeysWin(t *testing.T) {
	table := DefaultAliases()
	got := expandAlias(UpdateOnEntry{"alias": "github", "use_max_tag": false}, table, nil)
	assert.Equal(t, false, got["use_max_tag"])
}

func TestExpandAliasUnknownPassesThrough(t *testing.T) {
	table := DefaultAliases()
	entry := UpdateOnEntry{"alias": "does-not-exist", "source": "cmd"}
	got := expandAlias(entry, table, nil)
	assert.Equal(t, entry, got)
}

func TestExpandAliasNoAliasKeyIsUntouched(t *testing.T) {
	table := DefaultAliases()
	entry := UpdateOnEntry{"source": "pypi"}
	got := expandAlias(entry, table, nil)
	assert.Equal(t, entry, got)
}

func TestExpandAliasSubstitution(t *testing.T) {
	table := DefaultAliases()
	subst := map[string]string{"pacman_db_dir": "/var/lib/pacman"}
	got := expandAlias(UpdateOnEntry{"alias": "pacman"}, table, subst)
	assert.Equal(t, "pacman -Sddp --dbpath /var/lib/pacman --print-format %v {pkgname}", got["cmd"])
	assert.Equal(t, "/var/lib/pacman", got["pacman_db_dir"])
}

func TestSubstituteStringMultipleKeys(t *testing.T) {
	subst := map[string]string{"a": "1", "b": "2"}
	assert.Equal(t, "1-2", substituteString("{a}-{b}", subst))
}
