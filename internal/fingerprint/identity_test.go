package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrandsSeed124(t *testing.T) {
	got := Brands(124, DefaultPrimaryBrand)
	assert.Equal(t, []Brand{
		{"Chromium", "124"},
		{"Google Chrome", "124"},
		{"Not-A.Brand", "99"},
	}, got)

	full := FullVersionList(124, DefaultPrimaryBrand)
	assert.Equal(t, []Brand{
		{"Chromium", "124.0.0.0"},
		{"Google Chrome", "124.0.0.0"},
		{"Not-A.Brand", "99.0.0.0"},
	}, full)
}

func TestOrderIsPermutation(t *testing.T) {
	for seed := 0; seed < 200; seed++ {
		order := Order(seed)
		assert.Equal(t, permutations[seed%6], order)

		seen := map[int]bool{}
		for _, pos := range order {
			require.GreaterOrEqual(t, pos, 0)
			require.Less(t, pos, 3)
			seen[pos] = true
		}
		assert.Len(t, seen, 3, "seed %d", seed)

		brands := Brands(seed, "Microsoft Edge")
		assert.Equal(t, GreaseBrand(seed), brands[order[0]])
		assert.Equal(t, "Chromium", brands[order[1]].Brand)
		assert.Equal(t, "Microsoft Edge", brands[order[2]].Brand)
	}
}

func TestGreaseBrand(t *testing.T) {
	tests := []struct {
		seed int
		want Brand
	}{
		{0, Brand{"Not A(Brand", "8"}},
		{120, Brand{"Not_A Brand", "8"}},
		{124, Brand{"Not-A.Brand", "99"}},
		{130, Brand{"Not?A_Brand", "99"}},
		{131, Brand{"Not_A Brand", "24"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GreaseBrand(tt.seed), "seed %d", tt.seed)
	}
}

func TestNewIsPure(t *testing.T) {
	cfg := DefaultConfig()
	a := New(124, cfg)
	b := New(124, cfg)
	assert.Equal(t, a, b)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(New(125, cfg)))
}

func TestNewIdentity(t *testing.T) {
	id := New(124, DefaultConfig())
	assert.Equal(t, 124, id.Seed)
	assert.Equal(t, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", id.UserAgent)
	assert.Equal(t, "Windows", id.Platform)
	assert.Equal(t, "Win32", id.NavigatorPlatform)
	assert.Equal(t, "124.0.0.0", id.FullVersion)
	assert.Equal(t, 8, id.HardwareConcurrency)
	assert.Equal(t, []string{"en-US", "en"}, id.Languages)
	assert.Equal(t, "en-US,en;q=0.9", id.AcceptLanguage)
	assert.Contains(t, id.WebGLRenderer, "ANGLE")

	meta := id.Metadata()
	require.Len(t, meta.Brands, 3)
	assert.Equal(t, "Chromium", meta.Brands[0].Brand)
	assert.Equal(t, "Not-A.Brand", meta.Brands[2].Brand)
	assert.Equal(t, "99.0.0.0", meta.FullVersionList[2].Version)
	assert.False(t, meta.Mobile)
}

func TestConfigSeedWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 120
	cfg.Platform = "macOS"
	cfg.Locale = "de_DE"
	cfg.HardwareConcurrency = 12

	id := New(124, cfg)
	assert.Equal(t, 120, id.Seed)
	assert.Contains(t, id.UserAgent, "Macintosh")
	assert.Contains(t, id.UserAgent, "Chrome/120.0.0.0")
	assert.Equal(t, "MacIntel", id.NavigatorPlatform)
	assert.Equal(t, []string{"de-DE", "de"}, id.Languages)
	assert.Equal(t, 12, id.HardwareConcurrency)
}

func TestLanguages(t *testing.T) {
	assert.Equal(t, []string{"fr"}, Languages("fr"))
	assert.Equal(t, []string{"pt-BR", "pt"}, Languages(" pt_BR "))
	assert.Equal(t, []string{"en-US", "en"}, Languages(""))
	assert.Equal(t, "fr", AcceptLanguage([]string{"fr"}))
	assert.Equal(t, "a,b;q=0.9,c;q=0.8", AcceptLanguage([]string{"a", "b", "c"}))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Platform: "BeOS"}.Validate())
	assert.Error(t, Config{HardwareConcurrency: -1}.Validate())
}
