package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsSameLoggerPerCategory(t *testing.T) {
	a := Get(CategoryScheduler)
	b := Get(CategoryScheduler)
	assert.Same(t, a, b)

	c := Get(CategoryStore)
	assert.NotSame(t, a, c)
}

func TestInitializeWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Config{Level: "debug", Dir: dir, Console: false}))
	t.Cleanup(func() { _ = Initialize(DefaultConfig()) })

	Store("store message %d", 1)
	Get(CategoryStore).Sync()

	data, err := os.ReadFile(filepath.Join(dir, "agentcore.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "store message 1")
}

func TestInitializeRejectsBadLevel(t *testing.T) {
	assert.Error(t, Initialize(Config{Level: "loud", Console: true}))
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, SetLevel("warn"))
	assert.Error(t, SetLevel("quiet"))
	require.NoError(t, SetLevel("info"))
}

func TestTimerReturnsElapsed(t *testing.T) {
	timer := StartTimer(CategoryExecutor, "test op")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}
