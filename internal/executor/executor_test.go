package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Naoki-ibaragi/image-backup/internal/eventbus"
	"github.com/Naoki-ibaragi/image-backup/internal/model"
)

func TestRotate(t *testing.T) {
	nas := []model.NASEntry{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}

	assert.Equal(t, []int{2, 3, 4, 1}, idsOf(rotate(nas, 2)))
	assert.Equal(t, []int{1, 2, 3, 4}, idsOf(rotate(nas, 5)))
	assert.Empty(t, idsOf(rotate(nil, 2)))
}

func idsOf(nas []model.NASEntry) []int {
	out := make([]int, len(nas))
	for i, n := range nas {
		out[i] = n.ID
	}
	return out
}

func TestFilterNASRequiresOptInAndConnected(t *testing.T) {
	nas := []model.NASEntry{
		{ID: 1, IsUse: true, IsConnected: true},
		{ID: 3, IsUse: true, IsConnected: false},
		{ID: 4, IsUse: false, IsConnected: true},
		{ID: 2, IsUse: true, IsConnected: true},
	}
	out := filterNAS(nas)
	require.Len(t, out, 2)
	assert.Equal(t, []int{1, 2}, idsOf(out))
}

func TestScanDirCountsFilesAndBytes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world!"), 0o644))

	count, size, err := scanDir(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(11), size)
}

func TestScanDirMissingIsNotAnError(t *testing.T) {
	count, size, err := scanDir(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, size)
}

// writeLot creates a lot directory under base/lotName holding one one-byte
// file per name in files.
func writeLot(t *testing.T, base, lotName string, files ...string) string {
	t.Helper()
	dir := filepath.Join(base, lotName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644))
	}
	return dir
}

func settingsFor(t *testing.T) model.Settings {
	return model.Settings{
		SurfaceImageBasePath: "surface",
		BackImageBasePath:    "back",
		ResultBasePath:       "result",
	}
}

// TestRunEndToEndS1FirstRunBothNASesEmpty is end-to-end scenario S1: a
// single machine with two lots, two empty NAS targets; both lots land on the
// first NAS.
func TestRunEndToEndS1FirstRunBothNASesEmpty(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1", "f2")
	writeLot(t, srcSurface, "lotB", "f3")

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	nas := []model.NASEntry{
		{ID: 1, Name: "A", Drive: filepath.Join(root, "nasA"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
		{ID: 2, Name: "B", Drive: filepath.Join(root, "nasB"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
	}

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settingsFor(t), 0)

	require.True(t, result.Success)
	assert.EqualValues(t, 3, result.TotalFiles)
	assert.EqualValues(t, 3, result.CopiedFiles)
	assert.Empty(t, result.Errors)

	assert.FileExists(t, filepath.Join(root, "nasA", "surface", "m1", "lotA", "f1"))
	assert.FileExists(t, filepath.Join(root, "nasA", "surface", "m1", "lotB", "f3"))
	assert.NoFileExists(t, filepath.Join(root, "nasB", "surface", "m1", "lotA", "f1"))
}

func TestRunEndToEndS2SecondRunUnchangedSourceNoCopies(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1", "f2")
	writeLot(t, srcSurface, "lotB", "f3")

	writeLot(t, filepath.Join(root, "nasA", "surface", "m1"), "lotA", "f1", "f2")
	writeLot(t, filepath.Join(root, "nasA", "surface", "m1"), "lotB", "f3")

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	nas := []model.NASEntry{
		{ID: 1, Name: "A", Drive: filepath.Join(root, "nasA"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
		{ID: 2, Name: "B", Drive: filepath.Join(root, "nasB"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
	}

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settingsFor(t), 0)

	require.True(t, result.Success)
	assert.Zero(t, result.CopiedFiles)
}

func TestRunEndToEndS3NewLotIsCopiedExistingLotsSkipped(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1", "f2")
	writeLot(t, srcSurface, "lotB", "f3")
	writeLot(t, srcSurface, "lotC", "f4")

	writeLot(t, filepath.Join(root, "nasA", "surface", "m1"), "lotA", "f1", "f2")
	writeLot(t, filepath.Join(root, "nasA", "surface", "m1"), "lotB", "f3")

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	nas := []model.NASEntry{
		{ID: 1, Name: "A", Drive: filepath.Join(root, "nasA"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
	}

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settingsFor(t), 0)

	require.True(t, result.Success)
	assert.EqualValues(t, 1, result.CopiedFiles)
	assert.FileExists(t, filepath.Join(root, "nasA", "surface", "m1", "lotC", "f4"))
}

func TestRunEndToEndS4CapacityDrivenFailover(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1")

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	nas := []model.NASEntry{
		{ID: 1, Name: "A", Drive: filepath.Join(root, "nasA"), IsUse: true, IsConnected: true, FreeSpace: 0},
		{ID: 2, Name: "B", Drive: filepath.Join(root, "nasB"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
	}
	settings := settingsFor(t)
	settings.RequiredFreeSpace = 1

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settings, 0)

	require.True(t, result.Success)
	assert.NoFileExists(t, filepath.Join(root, "nasA", "surface", "m1", "lotA", "f1"))
	assert.FileExists(t, filepath.Join(root, "nasB", "surface", "m1", "lotA", "f1"))
}

func TestRunEndToEndS6MismatchedLotIsRecopiedNotCleaned(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1", "f2", "f3")

	staleDest := writeLot(t, filepath.Join(root, "nasA", "surface", "m1"), "lotA", "f1")
	require.NoError(t, os.WriteFile(filepath.Join(staleDest, "stale.txt"), []byte("old"), 0o644))

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	nas := []model.NASEntry{
		{ID: 1, Name: "A", Drive: filepath.Join(root, "nasA"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
	}

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settingsFor(t), 0)

	require.True(t, result.Success)
	assert.EqualValues(t, 3, result.CopiedFiles)
	assert.FileExists(t, filepath.Join(root, "nasA", "surface", "m1", "lotA", "stale.txt"))
	assert.FileExists(t, filepath.Join(root, "nasA", "surface", "m1", "lotA", "f3"))
}

func TestRunEndToEndS5NASRemovedFallsBackToUnrotated(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1")

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	// NAS A (id 1, last-used) is gone; only B (id 2) remains eligible.
	nas := []model.NASEntry{
		{ID: 2, Name: "B", Drive: filepath.Join(root, "nasB"), IsUse: true, IsConnected: true, FreeSpace: 1 << 30},
	}

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settingsFor(t), 1)

	require.True(t, result.Success)
	assert.FileExists(t, filepath.Join(root, "nasB", "surface", "m1", "lotA", "f1"))
}

// TestCopyLotWithRetrySucceedsOnThirdAttempt exercises the retry-budget
// property: a lot whose source only becomes visible on the third attempt
// (simulating two transient failures) copies successfully, with no entry
// recorded in result.Errors.
func TestCopyLotWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	root := t.TempDir()
	staged := filepath.Join(root, "staged-lotA")
	require.NoError(t, os.MkdirAll(staged, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "f1"), []byte("x"), 0o644))

	src := filepath.Join(root, "src", "lotA") // does not exist yet
	dest := filepath.Join(root, "dest", "lotA")

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	e.retryDelay = 50 * time.Millisecond

	go func() {
		time.Sleep(75 * time.Millisecond)
		_ = os.MkdirAll(filepath.Dir(src), 0o755)
		_ = os.Rename(staged, src)
	}()

	m := model.InspectionMachine{Name: "m1"}
	var result model.RunResult
	copied, err := e.copyLotWithRetry(context.Background(), m, model.CategorySurfaceImage, "lotA", src, dest, 1, 1, &result)
	require.NoError(t, err)
	assert.EqualValues(t, 1, copied)
	assert.Empty(t, result.Errors)
}

func TestRunFailsWithNoEligibleMachines(t *testing.T) {
	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", nil, []model.NASEntry{{ID: 1, IsUse: true, IsConnected: true, FreeSpace: 1 << 30}}, model.Settings{}, 0)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no machines to back up")
}

func TestRunFailsWithNoEligibleNAS(t *testing.T) {
	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	machines := []model.InspectionMachine{{ID: 1, Name: "m1", IsBackup: true, SurfaceImagePath: t.TempDir()}}
	result := e.Run(context.Background(), "run", machines, nil, model.Settings{}, 0)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no NAS available")
}

func TestRunFailsWhenAllNASCapacityExhausted(t *testing.T) {
	root := t.TempDir()
	srcSurface := filepath.Join(root, "src", "m1", "surface")
	writeLot(t, srcSurface, "lotA", "f1")

	machines := []model.InspectionMachine{{ID: 1, Name: "m1", SurfaceImagePath: srcSurface, IsBackup: true}}
	nas := []model.NASEntry{
		{ID: 1, Name: "A", Drive: filepath.Join(root, "nasA"), IsUse: true, IsConnected: true, FreeSpace: 0},
	}
	settings := settingsFor(t)
	settings.RequiredFreeSpace = 1

	e := New(eventbus.NewBroker(), zerolog.Nop(), nil)
	result := e.Run(context.Background(), "run", machines, nas, settings, 0)

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "all NAS capacity-exhausted")
}
