// Package grid implements the Maidenhead locator codec spec.md §3.1 and §9
// (Open Question 1) call for: decode a 4- or 6-character grid square to the
// center of the square it denotes, and encode a lat/lon pair to a grid
// square. The corrected (center-of-square) algorithm is used for both
// lengths, per the Open Question's resolution.
package grid

import (
	"strings"

	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

const (
	fieldLonDeg = 20.0 // field (first pair): 20° of longitude per letter
	fieldLatDeg = 10.0 // field: 10° of latitude per letter
	squareLonDeg = fieldLonDeg / 10.0 // square (second pair): 2° lon per digit
	squareLatDeg = fieldLatDeg / 10.0 // square: 1° lat per digit
	subsqLonDeg  = squareLonDeg / 24.0 // subsquare (third pair): letters a-x
	subsqLatDeg  = squareLatDeg / 24.0
)

// Decode returns the latitude/longitude of the center of the square denoted
// by locator, which must be 4 or 6 characters. Latitude is in [-90, 90],
// longitude in [-180, 180].
func Decode(locator string) (lat, lon float64, err error) {
	loc := strings.TrimSpace(locator)
	if len(loc) != 4 && len(loc) != 6 {
		return 0, 0, wsprerr.MarkDataDefect(wsprerr.Newf("grid: locator %q must be 4 or 6 characters", locator))
	}
	loc = strings.ToUpper(loc[:2]) + loc[2:]

	if !isFieldLetter(loc[0]) || !isFieldLetter(loc[1]) {
		return 0, 0, wsprerr.MarkDataDefect(wsprerr.Newf("grid: invalid field letters in %q", locator))
	}
	if !isDigit(loc[2]) || !isDigit(loc[3]) {
		return 0, 0, wsprerr.MarkDataDefect(wsprerr.Newf("grid: invalid square digits in %q", locator))
	}

	lon = -180.0 + fieldLonDeg*float64(upper(loc[0])-'A') + squareLonDeg*float64(loc[2]-'0')
	lat = -90.0 + fieldLatDeg*float64(upper(loc[1])-'A') + squareLatDeg*float64(loc[3]-'0')

	if len(loc) == 4 {
		// Center of the 2°x1° square.
		lon += squareLonDeg / 2
		lat += squareLatDeg / 2
		return clampLat(lat), clampLon(lon), nil
	}

	sub := strings.ToLower(loc[4:6])
	if !isSubsquareLetter(sub[0]) || !isSubsquareLetter(sub[1]) {
		return 0, 0, wsprerr.MarkDataDefect(wsprerr.Newf("grid: invalid subsquare letters in %q", locator))
	}
	lon += subsqLonDeg * float64(sub[0]-'a')
	lat += subsqLatDeg * float64(sub[1]-'a')
	// Center of the subsquare.
	lon += subsqLonDeg / 2
	lat += subsqLatDeg / 2

	return clampLat(lat), clampLon(lon), nil
}

// Encode returns the 6-character grid square containing (lat, lon).
func Encode(lat, lon float64) (string, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", wsprerr.Newf("grid: lat/lon out of range: %f, %f", lat, lon)
	}
	lon += 180
	lat += 90

	fieldLon := int(lon / fieldLonDeg)
	fieldLat := int(lat / fieldLatDeg)
	lon -= float64(fieldLon) * fieldLonDeg
	lat -= float64(fieldLat) * fieldLatDeg

	squareLon := int(lon / squareLonDeg)
	squareLat := int(lat / squareLatDeg)
	lon -= float64(squareLon) * squareLonDeg
	lat -= float64(squareLat) * squareLatDeg

	subLon := int(lon / subsqLonDeg)
	subLat := int(lat / subsqLatDeg)

	b := make([]byte, 6)
	b[0] = byte('A' + fieldLon)
	b[1] = byte('A' + fieldLat)
	b[2] = byte('0' + squareLon)
	b[3] = byte('0' + squareLat)
	b[4] = byte('a' + subLon)
	b[5] = byte('a' + subLat)
	return string(b), nil
}

func isFieldLetter(c byte) bool {
	c = upper(c)
	return c >= 'A' && c <= 'R'
}

func isSubsquareLetter(c byte) bool {
	c = lower(c)
	return c >= 'a' && c <= 'x'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

func clampLat(v float64) float64 {
	if v > 90 {
		return 90
	}
	if v < -90 {
		return -90
	}
	return v
}

func clampLon(v float64) float64 {
	if v > 180 {
		return 180
	}
	if v < -180 {
		return -180
	}
	return v
}
