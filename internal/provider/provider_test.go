package provider

import (
	"regexp"
	"testing"

	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigs() []Config {
	return []Config{
		{
			ID:          "osm",
			Name:        "Test OSM",
			URLTemplate: "https://{s}.tile.example/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c"},
			MinZoom:     0,
			MaxZoom:     19,
		},
		{
			ID:                 "sat",
			Name:               "Test Satellite",
			URLTemplate:        "https://sat.example/{z}/{x}/{y}.jpg?key={token}",
			RequiresCredential: true,
			CredentialSource:   "SAT_API_KEY",
			MinZoom:            0,
			MaxZoom:            20,
		},
	}
}

func TestURLFor_SubstitutesTemplate(t *testing.T) {
	reg := NewRegistry(testConfigs())

	url, err := reg.URLFor("osm", 5, 10, 12)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^https://[abc]\.tile\.example/5/10/12\.png$`), url)
}

func TestURLFor_DeterministicPicker(t *testing.T) {
	reg := NewRegistry(testConfigs(), WithSubdomainPicker(func(n int) int { return n - 1 }))

	for i := 0; i < 10; i++ {
		url, err := reg.URLFor("osm", 5, 10, 12)
		require.NoError(t, err)
		assert.Equal(t, "https://c.tile.example/5/10/12.png", url)
	}
}

func TestURLFor_RandomPickerCoversAllSubdomains(t *testing.T) {
	reg := NewRegistry(testConfigs())

	seen := make(map[string]bool)
	re := regexp.MustCompile(`^https://([abc])\.`)
	for i := 0; i < 300; i++ {
		url, err := reg.URLFor("osm", 1, 0, 0)
		require.NoError(t, err)
		m := re.FindStringSubmatch(url)
		require.Len(t, m, 2)
		seen[m[1]] = true
	}

	assert.Len(t, seen, 3, "random picker should hit every subdomain")
}

func TestURLFor_UnknownProvider(t *testing.T) {
	reg := NewRegistry(testConfigs())

	_, err := reg.URLFor("nope", 1, 0, 0)
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestURLFor_ZoomOutsideProviderWindow(t *testing.T) {
	reg := NewRegistry(testConfigs())

	_, err := reg.URLFor("osm", 20, 0, 0)
	require.ErrorIs(t, err, geo.ErrOutOfRange)

	_, err = reg.URLFor("osm", -1, 0, 0)
	require.ErrorIs(t, err, geo.ErrOutOfRange)
}

func TestURLFor_CoordinateOutsideGrid(t *testing.T) {
	reg := NewRegistry(testConfigs())

	_, err := reg.URLFor("osm", 3, 8, 0)
	require.ErrorIs(t, err, geo.ErrOutOfRange)

	_, err = reg.URLFor("osm", 3, 0, -1)
	require.ErrorIs(t, err, geo.ErrOutOfRange)
}

func TestURLFor_CredentialSubstitution(t *testing.T) {
	reg := NewRegistry(testConfigs(), WithCredentialResolver(ResolverFunc(func(source string) (string, bool) {
		require.Equal(t, "SAT_API_KEY", source)
		return "secret123", true
	})))

	url, err := reg.URLFor("sat", 7, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, "https://sat.example/7/3/4.jpg?key=secret123", url)
}

func TestURLFor_MissingCredential(t *testing.T) {
	reg := NewRegistry(testConfigs(), WithCredentialResolver(ResolverFunc(func(string) (string, bool) {
		return "", false
	})))

	_, err := reg.URLFor("sat", 7, 3, 4)
	require.ErrorIs(t, err, ErrMissingCredential)
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("TILECACHE_TEST_KEY", "abc")

	v, ok := EnvResolver{}.Resolve("TILECACHE_TEST_KEY")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = EnvResolver{}.Resolve("TILECACHE_TEST_KEY_ABSENT")
	assert.False(t, ok)

	t.Setenv("TILECACHE_TEST_EMPTY", "")
	_, ok = EnvResolver{}.Resolve("TILECACHE_TEST_EMPTY")
	assert.False(t, ok, "empty value counts as absent")
}

func TestRegistryGetAndAll(t *testing.T) {
	reg := NewRegistry(testConfigs())

	cfg, err := reg.Get("osm")
	require.NoError(t, err)
	assert.Equal(t, "Test OSM", cfg.Name)

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, ErrUnknownProvider)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "osm", all[0].ID)
	assert.Equal(t, "sat", all[1].ID)

	assert.True(t, reg.Has("osm"))
	assert.False(t, reg.Has("missing"))
}

func TestDefaultsAreWellFormed(t *testing.T) {
	reg := NewRegistry(Defaults())

	for _, cfg := range reg.All() {
		assert.NotEmpty(t, cfg.ID)
		assert.NotEmpty(t, cfg.URLTemplate)
		assert.GreaterOrEqual(t, cfg.MaxZoom, cfg.MinZoom)
		assert.LessOrEqual(t, cfg.MaxZoom, geo.MaxZoom)
		if cfg.RequiresCredential {
			assert.NotEmpty(t, cfg.CredentialSource)
		}
	}

	url, err := reg.URLFor("osm", 5, 10, 12)
	require.NoError(t, err)
	assert.Regexp(t, `^https://[abc]\.tile\.openstreetmap\.org/5/10/12\.png$`, url)
}
