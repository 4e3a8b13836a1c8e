package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Seed is the initial data loaded into the in-memory stores.
type Seed struct {
	Sources []SourceSeed `mapstructure:"sources"`
	Routes  []RouteSeed  `mapstructure:"routes"`
}

// SourceSeed declares one monitored page.
type SourceSeed struct {
	ID             string         `mapstructure:"id"`
	CountryCode    string         `mapstructure:"country_code"`
	VisaType       string         `mapstructure:"visa_type"`
	URL            string         `mapstructure:"url"`
	FetchType      string         `mapstructure:"fetch_type"`
	CheckFrequency string         `mapstructure:"check_frequency"`
	Inactive       bool           `mapstructure:"inactive"`
	Metadata       map[string]any `mapstructure:"metadata"`
}

// RouteSeed declares one subscription.
type RouteSeed struct {
	ID                 string `mapstructure:"id"`
	OriginCountry      string `mapstructure:"origin_country"`
	DestinationCountry string `mapstructure:"destination_country"`
	VisaType           string `mapstructure:"visa_type"`
	Email              string `mapstructure:"email"`
	Inactive           bool   `mapstructure:"inactive"`
}

// LoadSeed reads a YAML or JSON seed file.
func LoadSeed(path string) (Seed, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := v.Unmarshal(&seed); err != nil {
		return Seed{}, fmt.Errorf("unmarshal seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

// Validate checks ids are present and unique and required fields are set.
func (s Seed) Validate() error {
	ids := make(map[string]bool, len(s.Sources))
	for i, src := range s.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if ids[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		ids[src.ID] = true
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("sources[%d].url is required", i)
		}
		if strings.TrimSpace(src.CountryCode) == "" || strings.TrimSpace(src.VisaType) == "" {
			return fmt.Errorf("sources[%d]: country_code and visa_type are required", i)
		}
	}
	routeIDs := make(map[string]bool, len(s.Routes))
	for i, r := range s.Routes {
		if r.ID == "" {
			return fmt.Errorf("routes[%d].id is required", i)
		}
		if routeIDs[r.ID] {
			return fmt.Errorf("routes[%d]: duplicate id %q", i, r.ID)
		}
		routeIDs[r.ID] = true
		if r.Email == "" || r.DestinationCountry == "" || r.VisaType == "" {
			return fmt.Errorf("routes[%d]: destination_country, visa_type and email are required", i)
		}
	}
	return nil
}
