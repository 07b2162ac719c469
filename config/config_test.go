package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestCheckFederation(t *testing.T) {
	cases := []struct {
		n, f, t int
		ok      bool
	}{
		{4, 1, 3, true},
		{4, 1, 2, true},
		{4, 1, 1, false}, // t < f+1
		{4, 1, 4, false}, // t > n-f
		{3, 1, 2, false}, // n < 3f+1
		{7, 2, 5, true},
		{1, 0, 1, true},
	}
	for _, c := range cases {
		err := CheckFederation(c.n, c.f, c.t)
		if c.ok {
			assert.NoError(t, err, "n=%d f=%d t=%d", c.n, c.f, c.t)
		} else {
			assert.True(t, errors.Is(err, ErrInvalidFederation), "n=%d f=%d t=%d", c.n, c.f, c.t)
		}
	}
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.yaml")
	raw := []byte(`
federation:
  n: 7
  f: 2
  t: 5
  self: 3
consensus:
  round_timeout: 750ms
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Federation.N)
	assert.Equal(t, uint16(3), cfg.Federation.Self)
	assert.Equal(t, 750*time.Millisecond, cfg.Consensus.RoundTimeout)
	// 未覆盖的字段保持默认
	assert.Equal(t, DefaultConfig().Federation.NoteValue, cfg.Federation.NoteValue)
}

func TestLoadFromFile_RejectsBadFederation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("federation:\n  n: 3\n  f: 1\n  t: 2\n"), 0o600))
	_, err := LoadFromFile(path)
	assert.ErrorIs(t, err, ErrInvalidFederation)
}

func TestNetworkParams(t *testing.T) {
	p, err := NetworkParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, "regtest", p.Name)
	_, err = NetworkParams("dogecoin")
	assert.Error(t, err)
}
