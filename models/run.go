package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// SourceKind records which strategy produced a run's raw records.
type SourceKind string

const (
	SourceNone   SourceKind = "none"
	SourceScrape SourceKind = "scrape"
	SourceAPI    SourceKind = "api"
)

type ScrapeRun struct {
	ID             string     `json:"id" db:"id"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at" db:"finished_at"`
	Status         RunStatus  `json:"status" db:"status"`
	SourceUsed     SourceKind `json:"source_used" db:"source_used"`
	SightingsFound int        `json:"sightings_found" db:"sightings_found"`
	SightingsSaved int        `json:"sightings_saved" db:"sightings_saved"`
	Dropped        int        `json:"dropped" db:"dropped"`
	Duplicates     int        `json:"duplicates" db:"duplicates"`
	ErrorsCount    int        `json:"errors_count" db:"errors_count"`
}
