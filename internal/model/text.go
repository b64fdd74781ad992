package model

import (
	"strings"
	"unicode/utf8"
)

// checkText adds a violation when s cannot be stored in a Postgres text
// column (invalid UTF-8 or a NUL byte) or exceeds maxRunes characters. A
// maxRunes of zero disables the length check.
func (e *ValidationError) checkText(field, s string, maxRunes int) {
	switch {
	case !utf8.ValidString(s):
		e.add(field, "must be valid UTF-8")
	case strings.IndexByte(s, 0) >= 0:
		e.add(field, "must not contain NUL bytes")
	case maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes:
		e.add(field, "must be at most %d characters", maxRunes)
	}
}

// MaxBuildingIDLen bounds CreateInspectionRequest.BuildingID in characters.
const MaxBuildingIDLen = 200

// Validate checks the building identifier. The caller trims it first.
func (r CreateInspectionRequest) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(r.BuildingID) == "" {
		verr.add("building_id", "is required")
	} else {
		verr.checkText("building_id", r.BuildingID, MaxBuildingIDLen)
	}
	return verr.orNil()
}
