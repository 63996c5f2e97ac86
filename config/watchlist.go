package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WatchlistEntry names one instrument and the providers whose quotes
// should be folded into its composite view.
type WatchlistEntry struct {
	Symbol    string   `yaml:"symbol"`
	Providers []string `yaml:"providers"`
}

// Watchlist is the full cross-provider tracking configuration.
type Watchlist struct {
	Entries []WatchlistEntry `yaml:"watchlist"`
}

// LoadWatchlist loads the watchlist configuration from the given path.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	for i, e := range wl.Entries {
		if e.Symbol == "" {
			return nil, fmt.Errorf("watchlist entry %d has no symbol", i)
		}
	}
	return &wl, nil
}
