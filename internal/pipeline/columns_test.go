package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpecificationFiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset-field.csv"), []byte(
		"dataset,field\n"+
			"tree,reference\n"+
			"tree,name\n"+
			"tree,point\n"+
			"article-4-direction-area,reference\n",
	), 0o644))
}

func TestNormalizeColumn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Reference", "reference"},
		{"Tree Ref", "tree-ref"},
		{"TREE_REF", "tree-ref"},
		{"  name  ", "name"},
		{"geo.point", "geo-point"},
		{"a__b  c", "a-b-c"},
		{"-leading-", "leading"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalizeColumn(tt.in))
		})
	}
}

func TestReadTransforms_FiltersByDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transform.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"dataset,field,replacement-field\n"+
			"tree,name,title\n"+
			"hedgerow,name,label\n"+
			",notes,description\n"+
			"tree,address,\n",
	), 0o644))

	replacements, err := ReadTransforms(path, "tree")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"name":  "title",
		"notes": "description",
	}, replacements, "other datasets and empty replacements are dropped")
}

func TestReadTransforms_HeaderOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transform.csv")
	require.NoError(t, os.WriteFile(path, []byte("dataset,field,replacement-field\n"), 0o644))

	replacements, err := ReadTransforms(path, "tree")
	require.NoError(t, err)
	assert.Empty(t, replacements)
}

func TestReadColumns_FiltersByDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "column.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"dataset,column,field\n"+
			"tree,tree-ref,reference\n"+
			"hedgerow,hedge-ref,reference\n"+
			",id,reference\n",
	), 0o644))

	rules, err := ReadColumns(path, "tree")
	require.NoError(t, err)
	require.Len(t, rules, 2, "dataset-specific plus wildcard rules")
	assert.Equal(t, "tree-ref", rules[0].Column)
	assert.Equal(t, "id", rules[1].Column)
}

func TestAugmentColumns_AppendsValidMappings(t *testing.T) {
	dir := t.TempDir()
	writeSpecificationFiles(t, dir)

	columnsPath := filepath.Join(dir, "column.csv")
	require.NoError(t, os.WriteFile(columnsPath, []byte("dataset,column,field\n"), 0o644))

	notMapped, err := AugmentColumns(columnsPath, dir, "tree", map[string]string{
		"TreeRef":  "reference",
		"Location": "point",
	})
	require.NoError(t, err)
	assert.Empty(t, notMapped)

	rules, err := ReadColumns(columnsPath, "tree")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	// Appended rows are sorted by normalized column name.
	assert.Equal(t, "location", rules[0].Column)
	assert.Equal(t, "point", rules[0].Field)
	assert.Equal(t, "treeref", rules[1].Column)
	assert.Equal(t, "reference", rules[1].Field)
}

func TestAugmentColumns_ReportsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeSpecificationFiles(t, dir)

	columnsPath := filepath.Join(dir, "column.csv")
	require.NoError(t, os.WriteFile(columnsPath, []byte("dataset,column,field\n"), 0o644))

	notMapped, err := AugmentColumns(columnsPath, dir, "tree", map[string]string{
		"Colour":  "bark-colour",
		"TreeRef": "reference",
		"Age":     "age-years",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Age", "Colour"}, notMapped)

	rules, err := ReadColumns(columnsPath, "tree")
	require.NoError(t, err)
	assert.Len(t, rules, 1, "only the valid mapping is appended")
}

func TestAugmentColumns_EmptyMappingIsNoop(t *testing.T) {
	notMapped, err := AugmentColumns(filepath.Join(t.TempDir(), "absent.csv"), t.TempDir(), "tree", nil)
	require.NoError(t, err)
	assert.Empty(t, notMapped)
}
