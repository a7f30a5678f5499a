package trust

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// Seed is a hand-picked initial estimate for a known (source, field) pair.
type Seed struct {
	Source string  `yaml:"source"`
	Field  string  `yaml:"field"`
	Score  float64 `yaml:"score"`
}

// defaultSeeds reflects expected reliability of the known data sources:
// registries rate high, geocoding-derived contact data rates low.
var defaultSeeds = []Seed{
	{Source: "npi_registry", Field: "status", Score: 0.95},
	{Source: "npi_registry", Field: "demographics", Score: 0.90},
	{Source: "state_medical_board", Field: "license", Score: 0.95},
	{Source: "state_medical_board", Field: "disciplinary", Score: 0.92},
	{Source: "google_places", Field: "phone", Score: 0.70},
	{Source: "google_places", Field: "address", Score: 0.65},
}

// InitializeDefaults seeds the built-in catalogue. Idempotent: pairs that
// already have a row are left untouched.
func (e *Engine) InitializeDefaults(ctx context.Context) error {
	return e.InitializeSeeds(ctx, defaultSeeds)
}

// InitializeSeeds seeds an explicit catalogue, skipping existing pairs.
func (e *Engine) InitializeSeeds(ctx context.Context, seeds []Seed) error {
	created := 0
	for _, seed := range seeds {
		ok, err := e.store.SeedTrustScore(ctx, model.TrustScore{
			Source:    seed.Source,
			FieldName: seed.Field,
			Score:     seed.Score,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return eris.Wrapf(err, "trust: seed %s/%s", seed.Source, seed.Field)
		}
		if ok {
			created++
		}
	}
	zap.L().Info("trust: seed catalogue applied",
		zap.Int("seeds", len(seeds)),
		zap.Int("created", created),
	)
	return nil
}

// LoadSeedCatalog reads a seed catalogue from a YAML file. The file has a
// top-level "seeds" key.
func LoadSeedCatalog(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "trust: read seed catalogue %s", path)
	}

	var wrapper struct {
		Seeds []Seed `yaml:"seeds"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "trust: parse seed catalogue")
	}

	for _, s := range wrapper.Seeds {
		if s.Source == "" {
			return nil, eris.New("trust: seed catalogue entry missing source")
		}
		if s.Score < 0 || s.Score > 1 {
			return nil, eris.Errorf("trust: seed %s/%s score %v out of [0,1]", s.Source, s.Field, s.Score)
		}
	}
	return wrapper.Seeds, nil
}
