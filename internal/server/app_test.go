package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/config"
	"github.com/JakeFAU/policy-watch/internal/policy"
)

func testConfig(t *testing.T, seed string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DB.SeedFile = seed
	cfg.Fetch.RespectRobots = false
	cfg.Fetch.HostRPS = 0
	cfg.Fetch.Retry.MaxAttempts = 1
	cfg.Fetch.Retry.InitialDelay = -1
	cfg.Email.InitialBackoff = -1
	cfg.Email.SendsPerSecond = 0
	cfg.Archive.Backend = config.ArchiveMemory
	cfg.Alerts.PublicBaseURL = "https://watch.example.com"
	cfg.Fetchers = []config.FetcherConfig{
		{Name: "de_auswaertiges_student", SourceType: "html", Engine: config.EngineColly, Selector: "main"},
	}
	return cfg
}

func writeSeed(t *testing.T, pageURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	body := fmt.Sprintf(`
sources:
  - id: de-student
    country_code: de
    visa_type: Student
    url: %s
    check_frequency: daily
routes:
  - id: r1
    origin_country: in
    destination_country: de
    visa_type: student
    email: priya@example.com
`, pageURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildRunsSourceEndToEnd(t *testing.T) {
	t.Parallel()

	var version atomic.Int32
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		body := "<p>Applicants need an admission letter.</p>"
		if version.Load() > 0 {
			body += "<p>Proof of funds is now required.</p>"
		}
		_, _ = fmt.Fprintf(w, "<html><body><nav>Home | About</nav><main>%s</main></body></html>", body)
	}))
	t.Cleanup(page.Close)

	app, err := Build(context.Background(), testConfig(t, writeSeed(t, page.URL)), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	ctx := context.Background()

	first, err := app.Scheduler.RunSource(ctx, "de-student")
	require.NoError(t, err)
	require.True(t, first.Pipeline.Success, first.Pipeline.ErrorMessage)
	require.False(t, first.Pipeline.ChangeDetected)

	v, err := app.Stores().Versions.GetLatestBySourceID(ctx, "de-student")
	require.NoError(t, err)
	require.Equal(t, "Applicants need an admission letter.", v.RawText)
	require.Contains(t, v.FetchMetadata, "archive_uri")

	version.Store(1)
	second, err := app.Scheduler.RunSource(ctx, "de-student")
	require.NoError(t, err)
	require.True(t, second.Pipeline.Success, second.Pipeline.ErrorMessage)
	require.True(t, second.Pipeline.ChangeDetected)
	require.NotNil(t, second.Alerts)
	require.Equal(t, 1, second.Alerts.EmailsSent)

	change, err := app.Stores().Changes.GetByID(ctx, second.Pipeline.ChangeID)
	require.NoError(t, err)
	require.Contains(t, change.DiffText, "+Proof of funds is now required.")

	src, err := app.Stores().Sources.GetByID(ctx, "de-student")
	require.NoError(t, err)
	require.Zero(t, src.ConsecutiveFetchFailures)
	require.NotNil(t, src.LastChangeAt)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/changes/"+change.ID+"/diff", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, change.DiffText, rec.Body.String())
}

func TestBuildCountsFetchFailures(t *testing.T) {
	t.Parallel()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(page.Close)

	app, err := Build(context.Background(), testConfig(t, writeSeed(t, page.URL)), nil)
	require.NoError(t, err)
	t.Cleanup(app.Close)

	res := app.Scheduler.RunBatch(context.Background(), "daily")
	require.Equal(t, 1, res.SourcesProcessed)
	require.Equal(t, 1, res.SourcesFailed)

	src, err := app.Stores().Sources.GetByID(context.Background(), "de-student")
	require.NoError(t, err)
	require.Equal(t, 1, src.ConsecutiveFetchFailures)
	require.NotEmpty(t, src.LastFetchError)
	require.Nil(t, src.LastCheckedAt)
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "missing seed",
			mutate: func(c *config.Config) { c.DB.SeedFile = filepath.Join(t.TempDir(), "none.yaml") },
			want:   "seed load failed",
		},
		{
			name: "unwritable archive",
			mutate: func(c *config.Config) {
				c.Archive.Backend = config.ArchiveLocal
				c.Archive.BaseDir = notDir
			},
			want: "local archive init failed",
		},
		{
			name: "unknown engine",
			mutate: func(c *config.Config) {
				c.Fetchers = []config.FetcherConfig{{Name: "de_x_student", SourceType: "html", Engine: "curl"}}
			},
			want: "fetcher registration failed",
		},
		{
			name: "bad fetcher name",
			mutate: func(c *config.Config) {
				c.Fetchers = []config.FetcherConfig{{Name: "student", SourceType: "html", Engine: config.EngineColly}}
			},
			want: "fetcher registration failed",
		},
		{
			name:   "bad boilerplate rule",
			mutate: func(c *config.Config) { c.Normalize.ExtraRules = []string{"(["} },
			want:   "normalizer init failed",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "")
			tt.mutate(&cfg)
			app, err := Build(context.Background(), cfg, nil)
			require.ErrorContains(t, err, tt.want)
			require.Nil(t, app)
		})
	}
}

func TestSeedConversion(t *testing.T) {
	t.Parallel()

	seed := config.Seed{
		Sources: []config.SourceSeed{
			{ID: "a", CountryCode: " de ", VisaType: " Student ", URL: "https://a"},
			{ID: "b", CountryCode: "FR", VisaType: "Work", URL: "https://b", FetchType: "PDF", CheckFrequency: "Weekly", Inactive: true},
		},
		Routes: []config.RouteSeed{
			{ID: "r", OriginCountry: "in", DestinationCountry: "de", VisaType: "student", Email: " p@example.com "},
		},
	}
	sources := SeedSources(seed)
	require.Equal(t, "DE", sources[0].CountryCode)
	require.Equal(t, "Student", sources[0].VisaType)
	require.Equal(t, policy.FetchTypeHTML, sources[0].FetchType)
	require.Equal(t, policy.FrequencyDaily, sources[0].CheckFrequency)
	require.True(t, sources[0].IsActive)
	require.Equal(t, policy.FetchTypePDF, sources[1].FetchType)
	require.Equal(t, policy.FrequencyWeekly, sources[1].CheckFrequency)
	require.False(t, sources[1].IsActive)

	routes := SeedRoutes(seed)
	require.Equal(t, "IN", routes[0].OriginCountry)
	require.Equal(t, "DE", routes[0].DestinationCountry)
	require.Equal(t, "p@example.com", routes[0].Email)
	require.True(t, routes[0].IsActive)
}
