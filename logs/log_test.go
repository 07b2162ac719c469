package logs

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(zapcore.AddSync(&buf))
	defer SetOutput(zapcore.AddSync(os.Stdout))
	defer SetLevel(LevelInfo)

	SetLevel(LevelWarning)
	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, "shown 2")
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(zapcore.AddSync(&buf))
	defer SetOutput(zapcore.AddSync(os.Stdout))

	Named("signer").Info("issued %s", "abc")
	assert.Contains(t, buf.String(), "[signer] issued abc")
}

func TestLogger_NamedFollowsSetOutput(t *testing.T) {
	l := Named("vm")
	var buf bytes.Buffer
	SetOutput(zapcore.AddSync(&buf))
	defer SetOutput(zapcore.AddSync(os.Stdout))
	SetNodePrefix("g1 ")
	defer SetNodePrefix("")

	l.Warn("applied epoch %d", 3)
	assert.Contains(t, buf.String(), "g1 [vm] applied epoch 3")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
