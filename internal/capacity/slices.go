package capacity

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

// Span is one year range of a capacity partition.
type Span struct {
	FromYear int
	ToYear   int
	Capacity float64
}

// Reslice sets capacity from year on in a partition of [0, model.MaxYear].
// The span containing year is split: its to_year becomes year-1 and the new
// span runs up to the following span's from_year-1. A span starting exactly
// at year is overwritten. An empty partition is treated as zero capacity for
// all years. The input must be a contiguous partition.
func Reslice(spans []Span, year int, capacity float64) ([]Span, error) {
	if year < 0 || year > model.MaxYear {
		return nil, eris.Errorf("capacity: year %d out of range", year)
	}

	cur := append([]Span(nil), spans...)
	sort.Slice(cur, func(i, j int) bool { return cur[i].FromYear < cur[j].FromYear })
	if len(cur) == 0 {
		cur = []Span{{FromYear: 0, ToYear: model.MaxYear}}
	}
	if err := checkPartition(cur); err != nil {
		return nil, err
	}

	out := make([]Span, 0, len(cur)+1)
	for _, s := range cur {
		switch {
		case year < s.FromYear || year > s.ToYear:
			out = append(out, s)
		case year == s.FromYear:
			s.Capacity = capacity
			out = append(out, s)
		default:
			out = append(out,
				Span{FromYear: s.FromYear, ToYear: year - 1, Capacity: s.Capacity},
				Span{FromYear: year, ToYear: s.ToYear, Capacity: capacity},
			)
		}
	}
	return out, nil
}

// checkPartition verifies that sorted spans cover [0, MaxYear] without gaps
// or overlaps.
func checkPartition(spans []Span) error {
	next := 0
	for _, s := range spans {
		if s.FromYear != next {
			return eris.Errorf("capacity: years %d..%d not partitioned (span starts at %d)", next, s.FromYear, s.FromYear)
		}
		if s.ToYear < s.FromYear {
			return eris.Errorf("capacity: span %d..%d is empty", s.FromYear, s.ToYear)
		}
		next = s.ToYear + 1
	}
	if next != model.MaxYear+1 {
		return eris.Errorf("capacity: partition ends at %d, want %d", next-1, model.MaxYear)
	}
	return nil
}

// Store writes capacity rows.
type Store struct {
	pool db.Pool
	bus  events.Publisher
}

// NewStore creates a Store. bus may be nil.
func NewStore(pool db.Pool, bus events.Publisher) *Store {
	return &Store{pool: pool, bus: bus}
}

var capacityColumns = []string{"place_id", "service_id", "scenario_id", "capacity", "from_year", "to_year"}

// Set sets the capacity of a service at a place from year on, within the
// base scenario (scenarioID nil) or a scenario. A scenario without own rows
// for the place starts from a copy of the base rows. The whole partition of
// the (place, service, scenario) key is replaced in one transaction.
func (s *Store) Set(ctx context.Context, placeID, serviceID int64, scenarioID *int64, year int, capacity float64) ([]Span, error) {
	var result []Span
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		spans, err := loadSpans(ctx, tx, placeID, serviceID, scenarioID)
		if err != nil {
			return err
		}
		if len(spans) == 0 && scenarioID != nil {
			if spans, err = loadSpans(ctx, tx, placeID, serviceID, nil); err != nil {
				return err
			}
		}

		result, err = Reslice(spans, year, capacity)
		if err != nil {
			return err
		}

		rows := make([][]any, len(result))
		for i, sp := range result {
			rows[i] = []any{placeID, serviceID, scenarioID, sp.Capacity, sp.FromYear, sp.ToYear}
		}
		_, _, err = db.ReplaceSlice(ctx, tx, db.Slice{
			Table: "capacities",
			Where: "place_id = $1 AND service_id = $2 AND scenario_id IS NOT DISTINCT FROM $3",
			Args:  []any{placeID, serviceID, scenarioID},
		}, capacityColumns, rows)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "capacity: set place %d service %d", placeID, serviceID)
	}

	zap.L().Debug("capacity: set",
		zap.Int64("place_id", placeID),
		zap.Int64("service_id", serviceID),
		zap.Int("from_year", year),
		zap.Float64("capacity", capacity),
	)

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.Event{Topic: events.CapacitiesChanged, ServiceID: serviceID}); err != nil {
			zap.L().Warn("capacity: publish change", zap.Error(err))
		}
	}
	return result, nil
}

func loadSpans(ctx context.Context, q db.Querier, placeID, serviceID int64, scenarioID *int64) ([]Span, error) {
	rows, err := q.Query(ctx,
		`SELECT from_year, to_year, capacity FROM capacities
		 WHERE place_id = $1 AND service_id = $2 AND scenario_id IS NOT DISTINCT FROM $3
		 ORDER BY from_year
		 FOR UPDATE`,
		placeID, serviceID, scenarioID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "capacity: load spans")
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var sp Span
		if err := rows.Scan(&sp.FromYear, &sp.ToYear, &sp.Capacity); err != nil {
			return nil, eris.Wrap(err, "capacity: scan span")
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}
