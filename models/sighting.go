package models

const AnonymousObserver = "Anonymous"

// RawSighting is a source-shaped record. It is never persisted.
type RawSighting struct {
	Species        string   `json:"species"`
	ScientificName string   `json:"scientific_name"`
	SpeciesCode    string   `json:"species_code,omitempty"`
	SubmissionID   string   `json:"submission_id,omitempty"`
	Location       string   `json:"location"`
	Lat            *float64 `json:"lat,omitempty"`
	Lng            *float64 `json:"lng,omitempty"`
	Date           string   `json:"date"`
	Observer       string   `json:"observer"`
	Count          int      `json:"count,omitempty"` // 0 when the source did not say
}

func (r *RawSighting) HasCoordinates() bool {
	return r.Lat != nil && r.Lng != nil
}

// Coordinates is a resolved point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
