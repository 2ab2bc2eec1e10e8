package matrix

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/config"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

// Settings are the build parameters per mode. Speeds are km/h, distances
// meters, times minutes.
type Settings struct {
	ChunkSize         int
	Speeds            map[model.Mode]float64
	MaxDistances      map[model.Mode]float64
	MaxDirectWalktime float64
	MaxAccessDistance float64
	AirFallback       bool
	Concurrency       int

	Profiles      map[model.Mode]string
	PerVariant    bool
	ReadyTimeout  time.Duration
	StartOnDemand bool
}

// SettingsFromConfig converts the mode-name keyed configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	s := Settings{
		ChunkSize:         cfg.Matrix.ChunkSize,
		Speeds:            map[model.Mode]float64{},
		MaxDistances:      map[model.Mode]float64{},
		MaxDirectWalktime: cfg.Matrix.MaxDirectWalktime,
		MaxAccessDistance: cfg.Matrix.MaxAccessDistance,
		AirFallback:       cfg.Matrix.AirFallback,
		Concurrency:       max(cfg.Matrix.Concurrency, 1),
		Profiles:          map[model.Mode]string{},
		PerVariant:        cfg.Routing.PerVariant,
		ReadyTimeout:      cfg.Routing.ReadyTimeout(),
		StartOnDemand:     cfg.Routing.StartOnDemand,
	}

	parse := func(section string, in map[string]float64, out map[model.Mode]float64) error {
		for name, v := range in {
			m, err := model.ParseMode(name)
			if err != nil {
				return eris.Wrapf(err, "matrix: %s", section)
			}
			out[m] = v
		}
		return nil
	}
	if err := parse("speeds", cfg.Matrix.Speeds, s.Speeds); err != nil {
		return Settings{}, err
	}
	if err := parse("max_distances", cfg.Matrix.MaxDistances, s.MaxDistances); err != nil {
		return Settings{}, err
	}
	for name, profile := range cfg.Routing.Profiles {
		m, err := model.ParseMode(name)
		if err != nil {
			return Settings{}, eris.Wrap(err, "matrix: routing profiles")
		}
		s.Profiles[m] = profile
	}
	return s, nil
}

// Profile returns the routing profile of a mode variant.
func (s Settings) Profile(v model.ModeVariant) (string, error) {
	p, ok := s.Profiles[v.Mode]
	if !ok {
		return "", eris.Errorf("matrix: no routing profile for mode %s", v.Mode)
	}
	if s.PerVariant {
		return fmt.Sprintf("%s_v%d", p, v.ID), nil
	}
	return p, nil
}

// Speed returns the air-distance speed of mode in km/h.
func (s Settings) Speed(m model.Mode) (float64, error) {
	v := s.Speeds[m]
	if v <= 0 {
		return 0, eris.Errorf("matrix: no speed for mode %s", m)
	}
	return v, nil
}

// directWalkDistance is the distance walked in MaxDirectWalktime.
func (s Settings) directWalkDistance() float64 {
	return s.MaxDirectWalktime * s.Speeds[model.ModeWalk] * 1000 / 60
}
