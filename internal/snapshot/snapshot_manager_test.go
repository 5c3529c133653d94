package snapshot

// ============================================================================
// Snapshot Manager tests
// Covers atomic writes, loading, version checks and error handling
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentd/pkg/types"
)

func sampleSnapshot() types.StatusSnapshot {
	return types.StatusSnapshot{
		Node:       "node-1",
		Strategy:   "sorted-set",
		Atomic:     true,
		Enabled:    true,
		Registered: []string{"aws/ec2", "aws/s3"},
		Active:     []types.ActiveAgent{{AgentType: "aws/ec2", Deadline: time.Unix(1_700_000_030, 0).UTC()}},
		RunCount:   42,
		TakenAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

// ============================================================================
// Basic behaviour
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("status.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "status.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "status.json")
	manager := NewManager(path)

	want := sampleSnapshot()
	require.NoError(t, manager.Write(want))
	assert.True(t, manager.Exists())

	got, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, got.SchemaVer)
	assert.Equal(t, want.Node, got.Node)
	assert.Equal(t, want.Strategy, got.Strategy)
	assert.Equal(t, want.Registered, got.Registered)
	assert.Equal(t, want.RunCount, got.RunCount)
	assert.True(t, want.TakenAt.Equal(got.TakenAt))
	require.Len(t, got.Active, 1)
	assert.Equal(t, "aws/ec2", got.Active[0].AgentType)
	assert.True(t, want.Active[0].Deadline.Equal(got.Active[0].Deadline))
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleSnapshot()))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// ============================================================================
// Error handling
// ============================================================================

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node":"n","schema_ver":99}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node":`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// The parent "directory" is a regular file.
	err := NewManager(filepath.Join(blocker, "status.json")).Write(sampleSnapshot())
	assert.Error(t, err)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentWritesAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleSnapshot()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s := sampleSnapshot()
			s.Node = fmt.Sprintf("node-%d", i)
			assert.NoError(t, manager.Write(s))
		}(i)
		go func() {
			defer wg.Done()
			_, err := manager.Load()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "status.json"))
	s := sampleSnapshot()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(s)
	}
}
