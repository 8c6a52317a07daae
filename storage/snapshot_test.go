package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rare_birds/models"
)

func sampleSighting() models.EnrichedSighting {
	return models.EnrichedSighting{
		ID:             "Snowy_Owl_Central_Park_20240105_1430",
		Species:        "Snowy Owl",
		ScientificName: "Bubo scandiacus",
		Location:       models.ResolvedLocation{Name: "Central Park", Lat: 40.785, Lng: -73.968},
		Date:           "2024-01-05 14:30",
		Observer:       "Jane Doe",
		Count:          1,
		Reference: models.ReferenceInfo{
			Summary:  "The snowy owl is a large, white owl & a visitor <sometimes>.",
			ImageRef: "assets/cache/wikipedia-images/snowy-owl.jpg",
			Source:   "https://en.wikipedia.org/wiki/Snowy_owl",
		},
	}
}

func TestSnapshotWriter_WritesShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "birds.json")
	w := NewSnapshotWriter(path)

	snap := &models.Snapshot{
		LastUpdated: "2024-01-06T12:00:00Z",
		Sightings:   []models.EnrichedSighting{sampleSighting()},
	}
	require.NoError(t, w.Write(snap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, `"last_updated": "2024-01-06T12:00:00Z"`)
	assert.Contains(t, text, `"scientific_name": "Bubo scandiacus"`)
	assert.Contains(t, text, `"location": {`)
	assert.Contains(t, text, `"wikipedia": {`)
	assert.Contains(t, text, `"image_url": "assets/cache/wikipedia-images/snowy-owl.jpg"`)
	assert.Contains(t, text, "white owl & a visitor <sometimes>.", "HTML is not escaped")
	assert.True(t, strings.HasPrefix(text, "{\n  \""), "indented two spaces")

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Sightings, got.Sightings)
}

func TestSnapshotWriter_EmptySightingsIsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "birds.json")
	require.NoError(t, NewSnapshotWriter(path).Write(&models.Snapshot{LastUpdated: "2024-01-06T12:00:00Z"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sightings": []`)
	assert.NotContains(t, string(data), "null")
}

func TestSnapshotWriter_OverwritesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "birds.json")
	w := NewSnapshotWriter(path)

	require.NoError(t, w.Write(&models.Snapshot{
		LastUpdated: "2024-01-05T00:00:00Z",
		Sightings:   []models.EnrichedSighting{sampleSighting(), sampleSighting()},
	}))
	require.NoError(t, w.Write(&models.Snapshot{LastUpdated: "2024-01-06T00:00:00Z"}))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-06T00:00:00Z", got.LastUpdated)
	assert.Empty(t, got.Sightings)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "birds.json", entries[0].Name())
}

func TestSnapshotWriter_UnwritableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	err := NewSnapshotWriter(filepath.Join(blocker, "birds.json")).Write(&models.Snapshot{})
	assert.Error(t, err)
}
