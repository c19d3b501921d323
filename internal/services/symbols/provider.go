package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"marketlink/internal/models"

	"github.com/sirupsen/logrus"
)

// metadataResponse is the remote metadata API envelope.
type metadataResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Symbol      string `json:"symbol"`
		Name        string `json:"name"`
		Description string `json:"description"`
		LogoURL     string `json:"logo_url"`
		Website     string `json:"website"`
		Rank        int    `json:"rank"`
	} `json:"data"`
}

// Provider fetches descriptive symbol metadata from a third-party API
// and caches it in memory. Catalog entries serve as fallback when the
// API is unreachable.
type Provider struct {
	apiURL     string
	catalog    *Catalog
	cacheTTL   time.Duration
	logger     *logrus.Logger
	httpClient *http.Client

	mu      sync.RWMutex
	entries map[string]cachedMetadata
}

type cachedMetadata struct {
	meta      *models.SymbolMetadata
	fetchedAt time.Time
}

func NewProvider(apiURL string, catalog *Catalog, logger *logrus.Logger) *Provider {
	return &Provider{
		apiURL:   apiURL,
		catalog:  catalog,
		cacheTTL: 1 * time.Hour,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		entries: make(map[string]cachedMetadata),
	}
}

// GetMetadata returns cached metadata or fetches it when the cache is
// stale. A failed fetch falls back to the static catalog entry; only
// symbols unknown to both the API and the catalog error out.
func (p *Provider) GetMetadata(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
	p.mu.RLock()
	entry, ok := p.entries[symbol]
	p.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < p.cacheTTL {
		return entry.meta, nil
	}

	meta, err := p.fetch(ctx, symbol)
	if err != nil {
		p.logger.WithError(err).WithField("symbol", symbol).Warn("Metadata fetch failed, trying fallbacks")
		if ok {
			// Stale beats nothing.
			return entry.meta, nil
		}
		if m, found := p.catalog.Lookup(symbol); found {
			return m, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.entries[symbol] = cachedMetadata{meta: meta, fetchedAt: time.Now()}
	p.mu.Unlock()
	return meta, nil
}

func (p *Provider) fetch(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
	endpoint := fmt.Sprintf("%s?symbol=%s", p.apiURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	var mr metadataResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("failed to parse metadata response: %w", err)
	}
	if mr.Status != "success" || mr.Data.Symbol == "" {
		return nil, fmt.Errorf("invalid metadata response: %s", mr.Message)
	}

	return &models.SymbolMetadata{
		Symbol:      mr.Data.Symbol,
		Name:        mr.Data.Name,
		Description: mr.Data.Description,
		LogoURL:     mr.Data.LogoURL,
		Website:     mr.Data.Website,
		Rank:        mr.Data.Rank,
	}, nil
}
