package validate

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/orbit-so/go-orbit/service/persist"
)

// SanitizationPolicy is a policy for sanitizing user input
var SanitizationPolicy = bluemonday.UGCPolicy()

func RegisterCustomValidators(v *validator.Validate) {
	v.RegisterValidation("latitude_deg", LatitudeValidator)
	v.RegisterValidation("longitude_deg", LongitudeValidator)
	v.RegisterValidation("circle_status", CircleStatusValidator)
	v.RegisterValidation("match_status", MatchStatusValidator)
	v.RegisterValidation("max_string_length", MaxStringLengthValidator)
	v.RegisterAlias("objective", "max_string_length=600")
	v.RegisterAlias("persona", "max_string_length=1200")
	v.RegisterAlias("display_name", "max_string_length=200")

	v.RegisterStructValidation(CoordinatesValidator, Coordinates{})
}

// SanitizeObjective strips markup from a circle objective before it reaches
// prompts or storage.
func SanitizeObjective(s string) string {
	return SanitizationPolicy.Sanitize(s)
}

// Coordinates is a lat/lon pair validated together
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CoordinatesValidator checks that the pair is a plausible WGS84 coordinate
func CoordinatesValidator(sl validator.StructLevel) {
	coords := sl.Current().Interface().(Coordinates)

	if coords.Lat < -90 || coords.Lat > 90 {
		sl.ReportError(coords.Lat, "Lat", "Lat", "latitude_deg", "")
	}
	if coords.Lon < -180 || coords.Lon > 180 {
		sl.ReportError(coords.Lon, "Lon", "Lon", "longitude_deg", "")
	}
}

// ValidCoordinates reports whether the lat/lon pair is within WGS84 bounds
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// LatitudeValidator validates latitude degrees
var LatitudeValidator validator.Func = func(fl validator.FieldLevel) bool {
	lat := fl.Field().Float()
	return lat >= -90 && lat <= 90
}

// LongitudeValidator validates longitude degrees
var LongitudeValidator validator.Func = func(fl validator.FieldLevel) bool {
	lon := fl.Field().Float()
	return lon >= -180 && lon <= 180
}

// CircleStatusValidator ensures the specified circle status is one we support
var CircleStatusValidator validator.Func = func(fl validator.FieldLevel) bool {
	switch persist.CircleStatus(fl.Field().String()) {
	case persist.CircleStatusActive, persist.CircleStatusPaused, persist.CircleStatusExpired:
		return true
	}
	return false
}

// MatchStatusValidator ensures the specified match status is one we support
var MatchStatusValidator validator.Func = func(fl validator.FieldLevel) bool {
	switch persist.MatchStatus(fl.Field().String()) {
	case persist.MatchStatusPendingAccept, persist.MatchStatusActive, persist.MatchStatusDeclined, persist.MatchStatusExpired:
		return true
	}
	return false
}

// MaxStringLengthValidator validates strings with a given maximum length
var MaxStringLengthValidator validator.Func = func(fl validator.FieldLevel) bool {
	s := fl.Field().String()

	maxLength, err := strconv.Atoi(fl.Param())
	if err != nil {
		panic(fmt.Errorf("error parsing MaxStringLengthValidator parameter: %s", err))
	}

	return len(s) <= maxLength
}
