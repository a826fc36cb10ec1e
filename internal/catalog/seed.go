package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

//go:embed defaults.yaml
var defaultSeed []byte

// SeedResource is one catalog row in a seed file.
type SeedResource struct {
	ExternalID  string `yaml:"external_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type seedFile struct {
	Resources []SeedResource `yaml:"resources"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) ([]SeedResource, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: seed file: %v", model.ErrInvalidInput, err)
	}
	for i, r := range f.Resources {
		if strings.TrimSpace(r.ExternalID) == "" || strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("%w: seed entry %d needs external_id and name", model.ErrInvalidInput, i)
		}
	}
	return f.Resources, nil
}

// LoadSeed reads a seed file from disk.
func LoadSeed(path string) ([]SeedResource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(data)
}

// DefaultSeed returns the built-in catalog.
func DefaultSeed() []SeedResource {
	items, err := ParseSeed(defaultSeed)
	if err != nil {
		panic(err)
	}
	return items
}

// SeedResult counts what Seed changed.
type SeedResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

// Seed upserts items by external id: new ids are added active, existing
// rows get the seed's name and description.
func (c *Catalog) Seed(ctx context.Context, items []SeedResource) (SeedResult, error) {
	var res SeedResult
	now := c.now().UTC()
	err := c.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		for _, it := range items {
			ext := strings.TrimSpace(it.ExternalID)
			existing, err := tx.Resources().ByExternalID(ctx, ext)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				row := existing[0]
				row.Name = strings.TrimSpace(it.Name)
				row.Description = strings.TrimSpace(it.Description)
				if err := tx.Resources().Update(ctx, &row); err != nil {
					return err
				}
				res.Updated++
				continue
			}
			row := model.Resource{
				ID:          ids.New(),
				ExternalID:  ext,
				Name:        strings.TrimSpace(it.Name),
				Description: strings.TrimSpace(it.Description),
				Active:      true,
				CreatedAt:   now,
			}
			if err := tx.Resources().Create(ctx, &row); err != nil {
				return err
			}
			res.Added++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	obs.Info("catalog_seeded", map[string]any{"added": res.Added, "updated": res.Updated})
	return res, nil
}

// SeedIfEmpty applies items only when the catalog has no rows.
func (c *Catalog) SeedIfEmpty(ctx context.Context, items []SeedResource) (SeedResult, error) {
	n, err := c.store.Repos().Resources().Count(ctx)
	if err != nil {
		return SeedResult{}, err
	}
	if n > 0 {
		return SeedResult{}, nil
	}
	return c.Seed(ctx, items)
}
