package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthost/pkg/logging"
)

func TestKillByPatternRefusesProtected(t *testing.T) {
	sup := NewProcSupervisor(logging.Default("supervisor-test"))
	for _, pattern := range []string{"postgres", "pgbouncer -d", "run-psql.sh", "Postgres"} {
		err := sup.KillByPattern(pattern)
		assert.Error(t, err, "pattern %q must be refused", pattern)
	}
}

func TestCheckPortProtected(t *testing.T) {
	sup := NewProcSupervisor(logging.Default("supervisor-test"))
	assert.Nil(t, sup.CheckPort(5432))
	assert.Nil(t, sup.CheckPort(6432))
}

func TestSpawnMissingBinary(t *testing.T) {
	sup := NewProcSupervisor(logging.Default("supervisor-test"))
	_, err := sup.Spawn(SpawnSpec{
		Binary:  filepath.Join(t.TempDir(), "no-such-binary"),
		LogFile: filepath.Join(t.TempDir(), "agent.log"),
	})
	assert.Error(t, err)
}

func TestRotateLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")

	// 小文件不轮转
	require.NoError(t, os.WriteFile(path, []byte("small"), 0o644))
	require.NoError(t, rotateLog(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)

	// 超限文件轮转为 .log.old
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(maxLogSize+1))
	require.NoError(t, f.Close())

	require.NoError(t, rotateLog(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".old")
	assert.NoError(t, err)
}

func TestWaitGone(t *testing.T) {
	gone := waitGone(func(int) bool { return false }, 1, 50*time.Millisecond)
	assert.True(t, gone)

	gone = waitGone(func(int) bool { return true }, 1, 50*time.Millisecond)
	assert.False(t, gone)
}
