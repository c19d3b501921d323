package symbols

import (
	"fmt"
	"os"

	"marketlink/internal/models"

	"gopkg.in/yaml.v3"
)

// CatalogConfig is the YAML shape of the symbol catalog file.
type CatalogConfig struct {
	Watchlist []string `yaml:"watchlist"`
	Metadata  []struct {
		Symbol      string `yaml:"symbol"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		LogoURL     string `yaml:"logo_url"`
		Website     string `yaml:"website"`
		Rank        int    `yaml:"rank"`
	} `yaml:"metadata"`
}

// Catalog holds the locally configured watchlist and static metadata
// entries used as a fallback when the remote metadata API is down.
type Catalog struct {
	watchlist []string
	metadata  map[string]*models.SymbolMetadata
}

// DefaultWatchlist is used when no catalog file is configured.
var DefaultWatchlist = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "AVAXUSDT", "DOTUSDT", "LINKUSDT",
}

// LoadCatalog reads the symbol catalog from a YAML file.
func LoadCatalog(filePath string) (*Catalog, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var cfg CatalogConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if len(cfg.Watchlist) == 0 {
		return nil, fmt.Errorf("no watchlist symbols in catalog file")
	}

	c := &Catalog{
		watchlist: cfg.Watchlist,
		metadata:  make(map[string]*models.SymbolMetadata, len(cfg.Metadata)),
	}
	for _, m := range cfg.Metadata {
		c.metadata[m.Symbol] = &models.SymbolMetadata{
			Symbol:      m.Symbol,
			Name:        m.Name,
			Description: m.Description,
			LogoURL:     m.LogoURL,
			Website:     m.Website,
			Rank:        m.Rank,
		}
	}
	return c, nil
}

// LoadCatalogWithFallback tries the YAML file and falls back to the
// default watchlist with no static metadata.
func LoadCatalogWithFallback(filePath string) *Catalog {
	c, err := LoadCatalog(filePath)
	if err != nil {
		return &Catalog{
			watchlist: DefaultWatchlist,
			metadata:  make(map[string]*models.SymbolMetadata),
		}
	}
	return c
}

// Watchlist returns the configured poll symbols.
func (c *Catalog) Watchlist() []string {
	out := make([]string, len(c.watchlist))
	copy(out, c.watchlist)
	return out
}

// Lookup returns the static metadata entry for the symbol, if any.
func (c *Catalog) Lookup(symbol string) (*models.SymbolMetadata, bool) {
	m, ok := c.metadata[symbol]
	return m, ok
}
