package scoring

import (
	"math"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-scorer/internal/model"
)

// DefaultWeights apply when no industry profile matches.
var DefaultWeights = model.Weights{
	WebsiteActivity: 0.25,
	Reviews:         0.25,
	YearsInBusiness: 0.15,
	RevenueProxy:    0.20,
	IndustryFit:     0.15,
}

// Profiles maps industry keywords to weight sets.
type Profiles struct {
	Default    model.Weights            `yaml:"default"`
	Industries map[string]model.Weights `yaml:"industries"`
}

// DefaultProfiles returns the built-in weight profiles.
func DefaultProfiles() Profiles {
	return Profiles{
		Default: DefaultWeights,
		Industries: map[string]model.Weights{
			// Review-driven consumer trades.
			"restaurant": {WebsiteActivity: 0.15, Reviews: 0.40, YearsInBusiness: 0.10, RevenueProxy: 0.20, IndustryFit: 0.15},
			"roofing":    {WebsiteActivity: 0.20, Reviews: 0.30, YearsInBusiness: 0.20, RevenueProxy: 0.15, IndustryFit: 0.15},
			"plumbing":   {WebsiteActivity: 0.20, Reviews: 0.30, YearsInBusiness: 0.20, RevenueProxy: 0.15, IndustryFit: 0.15},
			"dental":     {WebsiteActivity: 0.25, Reviews: 0.30, YearsInBusiness: 0.15, RevenueProxy: 0.15, IndustryFit: 0.15},
			"consulting": {WebsiteActivity: 0.35, Reviews: 0.10, YearsInBusiness: 0.20, RevenueProxy: 0.20, IndustryFit: 0.15},
			"software":   {WebsiteActivity: 0.40, Reviews: 0.05, YearsInBusiness: 0.10, RevenueProxy: 0.25, IndustryFit: 0.20},
		},
	}
}

// LoadProfiles reads weight profiles from a YAML file. An empty path yields
// the built-in profiles.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return DefaultProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profiles{}, eris.Wrapf(err, "scoring: read weights file %s", path)
	}
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profiles{}, eris.Wrapf(err, "scoring: parse weights file %s", path)
	}
	if p.Default == (model.Weights{}) {
		p.Default = DefaultWeights
	}
	if err := p.Validate(); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

// Validate checks every weight set is non-negative and sums to 1.0.
func (p Profiles) Validate() error {
	var errs []string
	check := func(name string, w model.Weights) {
		for _, v := range []float64{w.WebsiteActivity, w.Reviews, w.YearsInBusiness, w.RevenueProxy, w.IndustryFit} {
			if v < 0 {
				errs = append(errs, name+": weights must be >= 0")
				return
			}
		}
		if math.Abs(w.Sum()-1.0) > 1e-6 {
			errs = append(errs, name+": weights must sum to 1.0")
		}
	}
	check("default", p.Default)
	for _, k := range p.keys() {
		check(k, p.Industries[k])
	}
	if len(errs) > 0 {
		return eris.Errorf("scoring: invalid weight profiles: %s", strings.Join(errs, "; "))
	}
	return nil
}

// For returns the weights for an industry. Profiles match on a
// case-insensitive substring; the longest matching key wins.
func (p Profiles) For(industry string) model.Weights {
	industry = strings.ToLower(strings.TrimSpace(industry))
	if industry != "" {
		best := ""
		for _, k := range p.keys() {
			if strings.Contains(industry, strings.ToLower(k)) && len(k) > len(best) {
				best = k
			}
		}
		if best != "" {
			return p.Industries[best]
		}
	}
	return p.Default
}

func (p Profiles) keys() []string {
	keys := make([]string, 0, len(p.Industries))
	for k := range p.Industries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
