package capture

import (
	"errors"
	"strings"
)

// DefaultMarker identifies the stylesnap image upload endpoint.
const DefaultMarker = "upload?stylesnapToken"

var ErrEmptyMarker = errors.New("capture: marker must not be empty")

// Matcher selects URLs by a literal, case-sensitive substring. Encoded
// variants of the marker do not match.
type Matcher struct {
	marker string
}

// NewMatcher returns a Matcher for marker.
func NewMatcher(marker string) (Matcher, error) {
	if marker == "" {
		return Matcher{}, ErrEmptyMarker
	}
	return Matcher{marker: marker}, nil
}

// DefaultMatcher matches DefaultMarker.
func DefaultMatcher() Matcher {
	return Matcher{marker: DefaultMarker}
}

// Marker returns the substring being matched.
func (m Matcher) Marker() string { return m.marker }

// Match reports whether url contains the marker. The zero Matcher matches
// nothing.
func (m Matcher) Match(url string) bool {
	if m.marker == "" {
		return false
	}
	return strings.Contains(url, m.marker)
}
