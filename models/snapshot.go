package models

// Snapshot is the full persisted state of known sightings. Every run writes a
// fresh one; nothing is merged with earlier files.
type Snapshot struct {
	LastUpdated string             `json:"last_updated"`
	Sightings   []EnrichedSighting `json:"sightings"`
}

// EnrichedSighting is the persisted unit consumed by the map.
type EnrichedSighting struct {
	ID             string           `json:"id"`
	Species        string           `json:"species"`
	ScientificName string           `json:"scientific_name"`
	Location       ResolvedLocation `json:"location"`
	Date           string           `json:"date"`
	Observer       string           `json:"observer"`
	Count          int              `json:"count"`
	Reference      ReferenceInfo    `json:"wikipedia"`
}

// ResolvedLocation always carries coordinates. Records that cannot be
// located are dropped before one of these is built.
type ResolvedLocation struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// ReferenceInfo is never empty: lookups degrade to placeholder values.
type ReferenceInfo struct {
	Summary  string `json:"summary"`
	ImageRef string `json:"image_url"`
	Source   string `json:"source"`
}
