// Package features assembles fixed-order numeric feature vectors from a
// transaction and its causal history.
//
// The order of Names is the contract shared by offline training and live
// serving. Any change to it requires retraining every model built against
// the previous order, which is why the schema carries a fingerprint and is
// verified against manifests and model artifacts at startup.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSchemaMismatch is returned when an external artifact expects a
// different feature order or count than the active schema.
var ErrSchemaMismatch = errors.New("features: schema mismatch")

// Feature positions in the vector.
const (
	Age = iota
	LogAmount
	Hour
	DayOfWeek
	IsNight
	CityPop
	Lat
	Long
	MerchLat
	MerchLong
	Velocity60s
	Velocity5m
	Velocity15m
	Velocity1h
	UniqueMerchants15m
	UniqueCategories15m
	SeenMerchantBefore
	UserMerchantDistKm
	TimeSinceLast
	TimeSinceLastMerchant
	UserMeanAmt24h
	UserStdAmt24h
	UserAmtDelta
	AmtZUser
	GenderM
	GenderF

	Count
)

var names = [Count]string{
	Age:                   "age",
	LogAmount:             "log_amt",
	Hour:                  "hour",
	DayOfWeek:             "dow",
	IsNight:               "is_night",
	CityPop:               "city_pop",
	Lat:                   "lat",
	Long:                  "long",
	MerchLat:              "merch_lat",
	MerchLong:             "merch_long",
	Velocity60s:           "velocity_60s",
	Velocity5m:            "velocity_5m",
	Velocity15m:           "velocity_15m",
	Velocity1h:            "velocity_1h",
	UniqueMerchants15m:    "unique_merchants_15m",
	UniqueCategories15m:   "unique_categories_15m",
	SeenMerchantBefore:    "seen_merchant_before",
	UserMerchantDistKm:    "user_merchant_dist_km",
	TimeSinceLast:         "time_since_last_s",
	TimeSinceLastMerchant: "time_since_last_merchant_s",
	UserMeanAmt24h:        "user_mean_amt_24h",
	UserStdAmt24h:         "user_std_amt_24h",
	UserAmtDelta:          "user_amt_delta",
	AmtZUser:              "amt_z_user",
	GenderM:               "gender_M",
	GenderF:               "gender_F",
}

var index = func() map[string]int {
	m := make(map[string]int, Count)
	for i, n := range names {
		m[n] = i
	}
	return m
}()

// Names returns the published feature names in vector order.
func Names() []string {
	out := make([]string, Count)
	copy(out, names[:])
	return out
}

// Name returns the name of feature i, or "" when i is out of range.
func Name(i int) string {
	if i < 0 || i >= Count {
		return ""
	}
	return names[i]
}

// Index returns the position of a named feature.
func Index(name string) (int, bool) {
	i, ok := index[name]
	return i, ok
}

// Fingerprint identifies the active schema: hex SHA-256 of the names
// joined by newlines.
func Fingerprint() string {
	return FingerprintOf(names[:])
}

// FingerprintOf computes the fingerprint of an arbitrary name list.
func FingerprintOf(list []string) string {
	sum := sha256.Sum256([]byte(strings.Join(list, "\n")))
	return hex.EncodeToString(sum[:])
}

// Verify checks that got lists exactly the active schema, in order.
func Verify(got []string) error {
	if len(got) != Count {
		return fmt.Errorf("%w: expected %d features, got %d", ErrSchemaMismatch, Count, len(got))
	}
	for i, n := range got {
		if n != names[i] {
			return fmt.Errorf("%w: position %d: expected %q, got %q", ErrSchemaMismatch, i, names[i], n)
		}
	}
	return nil
}

// LoadManifest reads a feature manifest: a JSON array of names.
func LoadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read feature manifest: %w", err)
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse feature manifest %s: %w", path, err)
	}
	return list, nil
}

// VerifyManifest loads the manifest at path and checks it against the schema.
func VerifyManifest(path string) error {
	list, err := LoadManifest(path)
	if err != nil {
		return err
	}
	if err := Verify(list); err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}
	return nil
}

// WriteManifest records the active schema at path.
func WriteManifest(path string) error {
	data, err := json.MarshalIndent(names[:], "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { // #nosec G306 -- manifest is not secret
		return fmt.Errorf("write feature manifest: %w", err)
	}
	return nil
}
