package indicator

// LegendClass is one color bin of a result.
type LegendClass struct {
	MinValue float64 `json:"min_value" yaml:"min_value"`
	MaxValue float64 `json:"max_value" yaml:"max_value"`
	Color    string  `json:"color" yaml:"color"`
}

// ramp runs from light to dark; classes pick evenly spaced entries.
var ramp = []string{
	"#ffffcc", "#ffeda0", "#fed976", "#feb24c", "#fd8d3c",
	"#fc4e2a", "#e31a1c", "#bd0026", "#800026",
}

// DefaultLegendClasses is used when no class count is configured.
const DefaultLegendClasses = 5

// Legend bins the non-null values into equal-interval classes. It returns
// nil without values and a single class when all values are equal.
func Legend(values []Value, classes int) []LegendClass {
	if classes <= 0 {
		classes = DefaultLegendClasses
	}
	classes = min(classes, len(ramp))

	var (
		lo, hi float64
		seen   bool
	)
	for _, v := range values {
		if v.Value == nil {
			continue
		}
		if !seen {
			lo, hi, seen = *v.Value, *v.Value, true
			continue
		}
		lo = min(lo, *v.Value)
		hi = max(hi, *v.Value)
	}
	if !seen {
		return nil
	}
	if lo == hi {
		return []LegendClass{{MinValue: lo, MaxValue: hi, Color: ramp[len(ramp)/2]}}
	}

	step := (hi - lo) / float64(classes)
	out := make([]LegendClass, classes)
	for i := range classes {
		out[i] = LegendClass{
			MinValue: lo + float64(i)*step,
			MaxValue: lo + float64(i+1)*step,
			Color:    rampColor(i, classes),
		}
	}
	out[classes-1].MaxValue = hi
	return out
}

func rampColor(i, n int) string {
	if n == 1 {
		return ramp[len(ramp)/2]
	}
	return ramp[i*(len(ramp)-1)/(n-1)]
}
