package identity

import (
	"regexp"
	"strings"

	"rare_birds/models"
)

var (
	slugStripRegex    = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugCollapseRegex = regexp.MustCompile(`[-\s]+`)
	keyReplacer       = strings.NewReplacer(" ", "_", ",", "", ":", "", "-", "")
)

// Key derives the identity of an observation. Provider submission and species
// codes win when both are present; otherwise species, location and date are
// folded into one token.
func Key(s *models.RawSighting) string {
	if s.SubmissionID != "" && s.SpeciesCode != "" {
		return s.SubmissionID + "_" + s.SpeciesCode
	}
	return keyReplacer.Replace(s.Species + "_" + s.Location + "_" + s.Date)
}

// Slug turns a species name into a filesystem-safe file stem:
// "Black-crowned Night Heron" -> "black-crowned-night-heron".
func Slug(species string) string {
	slug := strings.ToLower(strings.TrimSpace(species))
	slug = slugStripRegex.ReplaceAllString(slug, "")
	slug = slugCollapseRegex.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}
