package lookup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testSpec() DatasetSpec {
	return DatasetSpec{
		Dataset:   "tree",
		Prefix:    "tree",
		EntityMin: 100,
		EntityMax: 199,
	}
}

func entry(ref string) model.LookupEntry {
	return model.LookupEntry{
		Prefix:       "tree",
		Resource:     "abc123",
		Organisation: "local-authority:ABC",
		Reference:    ref,
	}
}

func writeLookup(t *testing.T, dir string, entries []model.LookupEntry) string {
	t.Helper()
	path := filepath.Join(dir, "lookup.csv")
	require.NoError(t, EnsureFile(path))

	if len(entries) > 0 {
		_, err := Assign(context.Background(), entries, dir, testSpec())
		require.NoError(t, err)
	}
	return path
}

func TestRead_MissingFile(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "lookup.csv"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureFile_WritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookup.csv")
	require.NoError(t, EnsureFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "prefix,resource,organisation,reference,entity\n", string(data))

	// Second call must not truncate.
	require.NoError(t, EnsureFile(path))
}

func TestAssign_AllocatesFromRangeMinimum(t *testing.T) {
	dir := t.TempDir()

	assigned, err := Assign(context.Background(), []model.LookupEntry{entry("T1"), entry("T2")}, dir, testSpec())
	require.NoError(t, err)
	require.Len(t, assigned, 2)
	assert.Equal(t, int64(100), assigned[0].Entity)
	assert.Equal(t, int64(101), assigned[1].Entity)

	stored, err := Read(filepath.Join(dir, "lookup.csv"))
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestAssign_ContinuesFromMaxEntity(t *testing.T) {
	dir := t.TempDir()
	writeLookup(t, dir, []model.LookupEntry{entry("T1")})

	assigned, err := Assign(context.Background(), []model.LookupEntry{entry("T2")}, dir, testSpec())
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, int64(101), assigned[0].Entity)
}

func TestAssign_DuplicateResolvesToFirstWriter(t *testing.T) {
	dir := t.TempDir()
	first, err := Assign(context.Background(), []model.LookupEntry{entry("T1")}, dir, testSpec())
	require.NoError(t, err)

	second, err := Assign(context.Background(), []model.LookupEntry{entry("T1")}, dir, testSpec())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Entity, second[0].Entity)

	stored, err := Read(filepath.Join(dir, "lookup.csv"))
	require.NoError(t, err)
	assert.Len(t, stored, 1, "duplicate triple must not add a row")
}

func TestAssign_RangeExhaustedIsFatal(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec()
	spec.EntityMax = 100

	_, err := Assign(context.Background(), []model.LookupEntry{entry("T1")}, dir, spec)
	require.NoError(t, err, "first allocation sits exactly at entity_max")

	_, err = Assign(context.Background(), []model.LookupEntry{entry("T2")}, dir, spec)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrRangeExhausted))
}

func TestAssign_EmptyInputIsNoop(t *testing.T) {
	assigned, err := Assign(context.Background(), nil, t.TempDir(), testSpec())
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestAssign_ConcurrentWorkersAgree(t *testing.T) {
	dir := t.TempDir()

	const workers = 8
	results := make([][]model.LookupEntry, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assigned, err := Assign(context.Background(), []model.LookupEntry{entry("SHARED")}, dir, testSpec())
			assert.NoError(t, err)
			results[i] = assigned
		}(i)
	}
	wg.Wait()

	want := results[0][0].Entity
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, want, r[0].Entity, "all workers must observe the same entity")
	}

	stored, err := Read(filepath.Join(dir, "lookup.csv"))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestCheckExisting_Partitions(t *testing.T) {
	dir := t.TempDir()
	path := writeLookup(t, dir, []model.LookupEntry{entry("KNOWN")})

	newEntries, existing := CheckExisting([]model.LookupEntry{entry("KNOWN"), entry("FRESH")}, path)
	require.Len(t, existing, 1)
	assert.Equal(t, "KNOWN", existing[0].Reference)
	assert.Equal(t, int64(100), existing[0].Entity)
	require.Len(t, newEntries, 1)
	assert.Equal(t, "FRESH", newEntries[0].Reference)
}

func TestCheckExisting_AfterAssignNothingIsNew(t *testing.T) {
	dir := t.TempDir()
	unknowns := []model.LookupEntry{entry("A"), entry("B")}

	path := filepath.Join(dir, "lookup.csv")
	newEntries, _ := CheckExisting(unknowns, path)
	require.Len(t, newEntries, 2)

	_, err := Assign(context.Background(), newEntries, dir, testSpec())
	require.NoError(t, err)

	newEntries, existing := CheckExisting(unknowns, path)
	assert.Empty(t, newEntries)
	assert.Len(t, existing, 2)
}

func TestCheckExisting_UnreadableFileTreatsAllAsNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lookup.csv")
	require.NoError(t, os.WriteFile(path, []byte("not,a,valid\nheader,row"), 0o644))

	newEntries, existing := CheckExisting([]model.LookupEntry{entry("T1")}, path)
	assert.Len(t, newEntries, 1)
	assert.Empty(t, existing)
}

func TestLoadSpecs(t *testing.T) {
	dir := t.TempDir()
	csv := "dataset,prefix,entity-minimum,entity-maximum\n" +
		"tree,,100,199\n" +
		"conservation-area,ca,44000000,44999999\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset.csv"), []byte(csv), 0o644))

	specs, err := LoadSpecs(dir)
	require.NoError(t, err)

	tree := specs["tree"]
	assert.Equal(t, "tree", tree.Prefix, "empty prefix defaults to the dataset name")
	assert.Equal(t, int64(100), tree.EntityMin)

	ca := specs["conservation-area"]
	assert.Equal(t, "ca", ca.Prefix)
	assert.Equal(t, int64(44999999), ca.EntityMax)
}
