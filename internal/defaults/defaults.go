// Package defaults moves the "default" marker of a group of rows, keeping
// at most one default per group inside one transaction.
package defaults

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
)

// Group names a set of rows of which at most one is the default.
type Group string

// Groups.
const (
	// ModeVariant has one default per transport mode.
	ModeVariant Group = "mode_variant"
	Network     Group = "network"
	Prognosis   Group = "prognosis"
	// DemandRateSet has one default per service.
	DemandRateSet Group = "demand_rate_set"
	// The area level purposes.
	PopulationLevel Group = "default_pop_level"
	PopEntryLevel   Group = "pop_entry_level"
	StatisticLevel  Group = "statistic_level"
)

// rule locates a group. Partition is the column rows are grouped by; empty
// means the whole table is one group.
type rule struct {
	table     string
	flag      string
	partition string
}

var rules = map[Group]rule{
	ModeVariant:     {table: "mode_variants", flag: "is_default", partition: "mode"},
	Network:         {table: "networks", flag: "is_default"},
	Prognosis:       {table: "prognoses", flag: "is_default"},
	DemandRateSet:   {table: "demand_rate_sets", flag: "is_default", partition: "service_id"},
	PopulationLevel: {table: "area_levels", flag: "is_default_pop_level"},
	PopEntryLevel:   {table: "area_levels", flag: "is_pop_entry_level"},
	StatisticLevel:  {table: "area_levels", flag: "is_statistic_level"},
}

// Groups lists the known groups in name order.
func Groups() []Group {
	out := make([]Group, 0, len(rules))
	for g := range rules {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseGroup checks that s names a group.
func ParseGroup(s string) (Group, error) {
	g := Group(s)
	if _, ok := rules[g]; !ok {
		return "", eris.Wrapf(ErrUnknownGroup, "%q", s)
	}
	return g, nil
}

var (
	// ErrUnknownGroup is returned for a group without a rule.
	ErrUnknownGroup = errors.New("defaults: unknown group")
	// ErrNotFound is returned when the row to mark does not exist.
	ErrNotFound = errors.New("defaults: row not found")
)

// Service sets defaults.
type Service struct {
	pool db.Pool
	bus  events.Publisher
	log  *zap.Logger
}

// NewService creates a Service. bus may be nil.
func NewService(pool db.Pool, bus events.Publisher) *Service {
	return &Service{pool: pool, bus: bus, log: zap.L().With(zap.String("component", "defaults"))}
}

// SetDefault makes row id the default of its group and clears the flag on
// every other row of the same group. Setting the current default again is a
// no-op that still succeeds.
func (s *Service) SetDefault(ctx context.Context, g Group, id int64) error {
	r, ok := rules[g]
	if !ok {
		return eris.Wrapf(ErrUnknownGroup, "%q", g)
	}
	table, flag := db.Sanitize(r.table), db.Sanitize(r.flag)

	var cleared int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		partition := "NULL::bigint"
		if r.partition != "" {
			partition = db.Sanitize(r.partition) + "::bigint"
		}

		// The row lock serializes concurrent writers of the same group.
		var key *int64
		err := tx.QueryRow(ctx, "SELECT "+partition+" FROM "+table+" WHERE id = $1 FOR UPDATE", id).Scan(&key)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "%s %d", g, id)
		}
		if err != nil {
			return eris.Wrapf(err, "defaults: lock %s %d", g, id)
		}

		unset := "UPDATE " + table + " SET " + flag + " = false WHERE " + flag + " AND id <> $1"
		args := []any{id}
		if r.partition != "" {
			unset += " AND " + db.Sanitize(r.partition) + " = $2"
			args = append(args, *key)
		}
		tag, err := tx.Exec(ctx, unset, args...)
		if err != nil {
			return eris.Wrapf(err, "defaults: clear %s", g)
		}
		cleared = tag.RowsAffected()

		if _, err := tx.Exec(ctx, "UPDATE "+table+" SET "+flag+" = true WHERE id = $1", id); err != nil {
			return eris.Wrapf(err, "defaults: set %s %d", g, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("default set", zap.String("group", string(g)), zap.Int64("id", id), zap.Int64("cleared", cleared))

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.Event{Topic: events.DefaultsChanged}); err != nil {
			s.log.Warn("defaults: publish change", zap.Error(err))
		}
	}
	return nil
}

// Default returns the default row of a group. partition selects the mode or
// service for partitioned groups and is ignored otherwise. ok is false when
// the group has no default.
func (s *Service) Default(ctx context.Context, g Group, partition int64) (id int64, ok bool, err error) {
	r, known := rules[g]
	if !known {
		return 0, false, eris.Wrapf(ErrUnknownGroup, "%q", g)
	}

	sql := "SELECT id FROM " + db.Sanitize(r.table) + " WHERE " + db.Sanitize(r.flag)
	var args []any
	if r.partition != "" {
		sql += " AND " + db.Sanitize(r.partition) + " = $1"
		args = append(args, partition)
	}
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "defaults: read %s", g)
	}
	return id, true, nil
}

// Partitioned reports whether g has one default per mode or service.
func Partitioned(g Group) bool {
	return slices.Contains([]Group{ModeVariant, DemandRateSet}, g)
}
