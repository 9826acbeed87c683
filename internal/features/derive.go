package features

import (
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"
)

// EarthRadiusKm is the sphere radius used for haversine distances.
const EarthRadiusKm = 6371.0

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate accepts the date layouts seen in transaction feeds.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// AgeAt returns whole years between dob and the UTC calendar date of ts.
// A birthday later in the year than the occurrence date is not yet counted.
func AgeAt(dob string, ts int64) Value {
	birth, ok := ParseDate(dob)
	if !ok {
		return Unavailable()
	}
	on := time.Unix(ts, 0).UTC()
	years := on.Year() - birth.Year()
	if on.Month() < birth.Month() || (on.Month() == birth.Month() && on.Day() < birth.Day()) {
		years--
	}
	return Known(float64(max(0, years)))
}

// Log1pAmount is log(1+amount). A missing amount counts as 0.
func Log1pAmount(amount sql.NullFloat64) Value {
	a := 0.0
	if amount.Valid {
		a = amount.Float64
	}
	if a <= -1 {
		return Unavailable()
	}
	return Known(math.Log1p(a))
}

// HourOf reads the hour from "15:04:05", "15:04", "150405", "1504" or a bare
// hour. Anything else, including an hour outside 0-23, is unavailable.
func HourOf(transTime string) Value {
	s := strings.TrimSpace(transTime)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	} else if (len(s) == 4 || len(s) == 6) && digits(s) {
		s = s[:2]
	}
	if len(s) == 0 || len(s) > 2 || !digits(s) {
		return Unavailable()
	}
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h > 23 {
		return Unavailable()
	}
	return Known(float64(h))
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// DayOfWeekOf returns 0 for Monday through 6 for Sunday.
func DayOfWeekOf(transDate string) Value {
	d, ok := ParseDate(transDate)
	if !ok {
		return Unavailable()
	}
	return Known(float64((int(d.Weekday()) + 6) % 7))
}

// Night reports hours 0-6 and 22-23. An unknown hour is not night.
func Night(hour Value) Value {
	if !hour.OK() {
		return Known(0)
	}
	h := hour.v
	return Flag((h >= 0 && h <= 6) || h >= 22)
}

// Haversine is the great-circle distance in km between two points in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(math.Min(1, a)))
}

// Distance is the account-to-merchant distance, unavailable unless both
// coordinate pairs are complete.
func Distance(lat, lon, merchLat, merchLon sql.NullFloat64) Value {
	if !lat.Valid || !lon.Valid || !merchLat.Valid || !merchLon.Valid {
		return Unavailable()
	}
	return Known(Haversine(lat.Float64, lon.Float64, merchLat.Float64, merchLon.Float64))
}

// GenderFlags one-hot encodes "M" and "F". Anything else sets neither.
func GenderFlags(g string) (male, female Value) {
	switch strings.ToUpper(strings.TrimSpace(g)) {
	case "M":
		return Known(1), Known(0)
	case "F":
		return Known(0), Known(1)
	}
	return Known(0), Known(0)
}

// ZScore is delta/std, or 0 when std is not positive.
func ZScore(delta, std float64) Value {
	if std <= 0 {
		return Known(0)
	}
	return Known(delta / std)
}

func nullable(v sql.NullFloat64) Value {
	if !v.Valid {
		return Unavailable()
	}
	return Known(v.Float64)
}

func nullableInt(v sql.NullInt64) Value {
	if !v.Valid {
		return Unavailable()
	}
	return Known(float64(v.Int64))
}
