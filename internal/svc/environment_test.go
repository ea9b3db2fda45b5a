package svc_test

import (
	"testing"

	"github.com/kh1985/funding-arb-system/internal/config"
	"github.com/kh1985/funding-arb-system/internal/svc"
	"github.com/kh1985/funding-arb-system/pkg/venue"
)

func testConfig(t *testing.T, env string) config.Config {
	t.Helper()
	c := config.Config{
		Env:     env,
		Funding: config.FundingConf{BaseURL: "http://localhost:8877", CacheTTLSeconds: 60},
		TTL:     config.CacheTTL{Short: 10, Medium: 60, Long: 1800},
		Monitor: config.MonitorConf{TimeoutSeconds: 3},
		Journal: config.JournalConf{Dir: t.TempDir()},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return c
}

// TestEnvironmentAwareVenueConfig verifies that venue adapters are forced
// onto testnet endpoints when Env is "test".
func TestEnvironmentAwareVenueConfig(t *testing.T) {
	tests := []struct {
		name            string
		env             string
		configTestnet   bool
		expectedTestnet bool
	}{
		{
			name:            "test env forces testnet even when config says false",
			env:             "test",
			configTestnet:   false,
			expectedTestnet: true,
		},
		{
			name:            "test env with testnet true stays true",
			env:             "test",
			configTestnet:   true,
			expectedTestnet: true,
		},
		{
			name:            "prod env leaves the configured flag alone",
			env:             "prod",
			configTestnet:   false,
			expectedTestnet: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig(t, tt.env)
			c.Venues.Value = &venue.Config{
				Default: "paper",
				Adapters: map[string]*venue.AdapterConfig{
					"paper": {Type: "sim", Testnet: tt.configTestnet},
				},
			}

			sc := svc.NewServiceContext(c)
			defer sc.Close()
			if got := sc.VenueConfig.Adapters["paper"].Testnet; got != tt.expectedTestnet {
				t.Fatalf("testnet = %v, want %v", got, tt.expectedTestnet)
			}
		})
	}
}

func TestDefaultPaperVenues(t *testing.T) {
	sc := svc.NewServiceContext(testConfig(t, "test"))
	defer sc.Close()

	if len(sc.Venues) != 2 {
		t.Fatalf("expected two default paper venues, got %d", len(sc.Venues))
	}
	if sc.DefaultVenue != "sim-a" {
		t.Fatalf("default venue = %q", sc.DefaultVenue)
	}
	if sc.Store == nil || sc.Locker == nil {
		t.Fatalf("memory state store not wired")
	}
	if sc.Orchestrator() == nil {
		t.Fatalf("orchestrator not assembled")
	}
}
