package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRootCommands(t *testing.T) {
	for _, name := range []string{"serve", "sweep", "room", "watch"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestLogPlayer(t *testing.T) {
	p := &logPlayer{log: zap.NewNop()}
	assert.Empty(t, p.VideoID())
	require.NoError(t, p.Load("X", 3))
	assert.Equal(t, "X", p.VideoID())
	assert.NoError(t, p.Seek(4))
	assert.NoError(t, p.Play())
	assert.NoError(t, p.Pause())
}
