package features

import (
	"context"

	"github.com/mbd888/txfeatures/internal/causal"
	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/txn"
)

const neverSeconds = causal.NeverSeconds

// Assembler builds feature vectors. It only reads from the store.
type Assembler struct {
	querier *causal.Querier
}

// NewAssembler creates an assembler reading history from store.
func NewAssembler(store history.Store) *Assembler {
	return &Assembler{querier: causal.NewQuerier(store)}
}

// Extract evaluates ev against history strictly before ev.Timestamp. Bad
// inputs degrade individual features; the only error is a storage fault.
func (a *Assembler) Extract(ctx context.Context, ev txn.Event) (Vector, error) {
	agg, err := a.querier.Collect(ctx, ev.Entity, ev.Timestamp, ev.Merchant)
	if err != nil {
		return Vector{}, err
	}
	return Assemble(ev, agg), nil
}

// Assemble combines an event with its precomputed aggregates.
func Assemble(ev txn.Event, agg causal.Aggregates) Vector {
	v := Vector{Entity: ev.Entity, AsOf: ev.Timestamp, assembled: true}

	hour := HourOf(ev.TransTime)
	v.set(Age, AgeAt(ev.DOB, ev.Timestamp))
	v.set(LogAmount, Log1pAmount(ev.Amount))
	v.set(Hour, hour)
	v.set(DayOfWeek, DayOfWeekOf(ev.TransDate))
	v.set(IsNight, Night(hour))

	v.set(CityPop, nullableInt(ev.CityPop))
	v.set(Lat, nullable(ev.Lat))
	v.set(Long, nullable(ev.Long))
	v.set(MerchLat, nullable(ev.MerchLat))
	v.set(MerchLong, nullable(ev.MerchLong))

	v.set(Velocity60s, Known(float64(agg.Velocity[0])))
	v.set(Velocity5m, Known(float64(agg.Velocity[1])))
	v.set(Velocity15m, Known(float64(agg.Velocity[2])))
	v.set(Velocity1h, Known(float64(agg.Velocity[3])))
	v.set(UniqueMerchants15m, Known(float64(agg.DistinctMerchants15m)))
	v.set(UniqueCategories15m, Known(float64(agg.DistinctCategories15m)))
	v.set(SeenMerchantBefore, Flag(agg.SeenMerchantBefore))

	v.set(UserMerchantDistKm, Distance(ev.Lat, ev.Long, ev.MerchLat, ev.MerchLong))
	v.set(TimeSinceLast, Known(float64(agg.TimeSinceLast)))
	v.set(TimeSinceLastMerchant, Known(float64(agg.TimeSinceLastSameMerchant)))

	amount := 0.0
	if ev.Amount.Valid {
		amount = ev.Amount.Float64
	}
	delta := amount - agg.Amount24h.Mean
	v.set(UserMeanAmt24h, Known(agg.Amount24h.Mean))
	v.set(UserStdAmt24h, Known(agg.Amount24h.StdDev))
	v.set(UserAmtDelta, Known(delta))
	v.set(AmtZUser, ZScore(delta, agg.Amount24h.StdDev))

	male, female := GenderFlags(ev.Gender)
	v.set(GenderM, male)
	v.set(GenderF, female)

	return v
}
