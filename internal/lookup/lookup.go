// Package lookup maps (prefix, organisation, reference) triples to
// stable entity numbers. It is the only writer to a collection's
// lookup.csv; cross-process writes are serialized by an advisory file
// lock and an atomic rename, giving linearizable allocation per
// collection.
package lookup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// ErrRangeExhausted is fatal: the dataset's entity range has no numbers
// left to allocate.
var ErrRangeExhausted = eris.New("lookup: entity number range exhausted")

// DatasetSpec bounds entity allocation for one dataset.
type DatasetSpec struct {
	Dataset   string `csv:"dataset"`
	Prefix    string `csv:"prefix"`
	EntityMin int64  `csv:"entity-minimum"`
	EntityMax int64  `csv:"entity-maximum"`
}

// LoadSpecs reads dataset.csv from the specification directory.
func LoadSpecs(specificationDir string) (map[string]DatasetSpec, error) {
	path := filepath.Join(specificationDir, "dataset.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "lookup: read %s", path)
	}

	var specs []DatasetSpec
	if err := csvutil.Unmarshal(data, &specs); err != nil {
		return nil, eris.Wrapf(err, "lookup: parse %s", path)
	}

	byName := make(map[string]DatasetSpec, len(specs))
	for _, s := range specs {
		if s.Prefix == "" {
			s.Prefix = s.Dataset
		}
		byName[s.Dataset] = s
	}
	return byName, nil
}

// Read parses a lookup.csv. A missing file yields an empty slice.
func Read(path string) ([]model.LookupEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "lookup: read %s", path)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []model.LookupEntry
	if err := csvutil.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrapf(err, "lookup: parse %s", path)
	}
	return entries, nil
}

// CheckExisting partitions unknown triples by membership in lookup.csv.
// If the file cannot be read all unknowns are treated as new so that
// processing is never stalled; the condition is logged.
func CheckExisting(unknowns []model.LookupEntry, lookupPath string) (newEntries, existing []model.LookupEntry) {
	entries, err := Read(lookupPath)
	if err != nil {
		zap.L().Warn("lookup: unreadable lookup file, treating all references as new",
			zap.String("path", lookupPath),
			zap.Error(err),
		)
		return unknowns, nil
	}

	byKey := make(map[string]model.LookupEntry, len(entries))
	for _, e := range entries {
		byKey[e.Key()] = e
	}

	for _, u := range unknowns {
		if found, ok := byKey[u.Key()]; ok {
			existing = append(existing, found)
		} else {
			newEntries = append(newEntries, u)
		}
	}
	return newEntries, existing
}

// Assign durably allocates entity numbers for the new triples within the
// dataset's range. The critical section spans read-modify-write: the
// file is re-read under the lock, so a racing worker's writes are
// observed and duplicate triples resolve to the first writer's entity.
func Assign(ctx context.Context, newEntries []model.LookupEntry, dir string, spec DatasetSpec) ([]model.LookupEntry, error) {
	if len(newEntries) == 0 {
		return nil, nil
	}

	lookupPath := filepath.Join(dir, "lookup.csv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "lookup: create dir %s", dir)
	}

	lock := flock.New(lookupPath + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, eris.Wrapf(err, "lookup: acquire lock for %s", lookupPath)
	}
	if !locked {
		return nil, eris.Errorf("lookup: could not lock %s", lookupPath)
	}
	defer lock.Unlock() //nolint:errcheck

	entries, err := Read(lookupPath)
	if err != nil {
		// A corrupted lookup file during allocation is fatal; writing
		// through it could reassign entities.
		return nil, err
	}

	byKey := make(map[string]model.LookupEntry, len(entries))
	current := spec.EntityMin - 1
	for _, e := range entries {
		byKey[e.Key()] = e
		if e.Prefix == spec.Prefix && e.Entity > current {
			current = e.Entity
		}
	}

	var assigned []model.LookupEntry
	for _, n := range newEntries {
		if found, ok := byKey[n.Key()]; ok {
			// Raced with another worker; their assignment wins.
			assigned = append(assigned, found)
			continue
		}

		current++
		if current > spec.EntityMax {
			return nil, eris.Wrapf(ErrRangeExhausted, "dataset %s at %d (max %d)", spec.Dataset, current, spec.EntityMax)
		}

		n.Entity = current
		entries = append(entries, n)
		byKey[n.Key()] = n
		assigned = append(assigned, n)
	}

	data, err := csvutil.Marshal(entries)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: encode lookup.csv")
	}
	if err := storage.WriteAtomic(lookupPath, data); err != nil {
		return nil, err
	}

	zap.L().Info("lookup: assigned entities",
		zap.String("dataset", spec.Dataset),
		zap.Int("count", len(assigned)),
	)
	return assigned, nil
}

// EnsureFile creates lookup.csv with the canonical header when absent.
func EnsureFile(path string) error {
	if storage.Exists(path) {
		return nil
	}
	header := "prefix,resource,organisation,reference,entity\n"
	return storage.WriteAtomic(path, []byte(header))
}
