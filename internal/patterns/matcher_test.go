package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
)

func testConfig() Config {
	return Config{
		PrimaryCountryCodes:   []string{"CN"},
		SecondaryCountryCodes: []string{"HK", "MO"},
		CompanyLiterals:       []string{"Huawei", "ZTE", "Sino", "Hikvision"},
		CityLiterals:          []string{"China", "Chin", "Beijing", "Shanghai", "Shenzhen"},
		InstitutionalPhrases:  []string{"China National", "People's Republic"},
		Exclusions:            []string{"Indochina", "Ensino", "China Grove"},
	}
}

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher(testConfig(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestWordBoundarySafety(t *testing.T) {
	m := newTestMatcher(t)

	negatives := []struct {
		text string
		code string
	}{
		{"Heiztechnik GmbH", "DE"},
		{"Kasino Betriebe", "DE"},
		{"Heavy Machinary Corp", "KH"},
		{"Indochina Holidays", "VN"},
		{"Escola de Ensino Medio", "BR"},
		{"The Other Company", "US"},
		{"ŁZTE", ""},
		{"ZTEø", ""},
		{"ØSINO Tech", ""},
		{"ßchina", ""},
		{"Đhuawei Æ", ""},
	}
	for _, tt := range negatives {
		t.Run(tt.text, func(t *testing.T) {
			res := m.Detect(tt.text, tt.code)
			assert.False(t, res.Matched)
			assert.Equal(t, 0.0, res.Confidence)
			assert.Empty(t, res.Evidence)
			assert.NotNil(t, res.Evidence)
		})
	}

	t.Run("non-ASCII neighbours separated by space", func(t *testing.T) {
		res := m.Detect("Łódź ZTE Øst", "")
		assert.True(t, res.Matched)
		assert.Equal(t, []string{"company_name:ZTE"}, res.Evidence)
	})

	t.Run("Huawei", func(t *testing.T) {
		res := m.Detect("Huawei Technologies Co., Ltd.", "CN")
		assert.True(t, res.Matched)
		assert.GreaterOrEqual(t, res.Confidence, 0.95)
		assert.Equal(t, models.MethodCountryCode, res.Method)
		assert.Equal(t, []string{"country_code:CN", "company_name:HUAWEI"}, res.Evidence)
	})
}

func TestDetectMethods(t *testing.T) {
	m := newTestMatcher(t)

	tests := []struct {
		name       string
		text       string
		code       string
		method     models.DetectionMethod
		confidence float64
		evidence   []string
	}{
		{"Company literal", "Huawei Device", "", models.MethodCompanyName, ConfidenceCompanyName, []string{"company_name:HUAWEI"}},
		{"Hyphen boundary", "zte-corp", "US", models.MethodCompanyName, ConfidenceCompanyName, []string{"company_name:ZTE"}},
		{"Secondary code", "Pacific Trading", "hk", models.MethodCountryCode, ConfidenceSecondaryCountry, []string{"country_code:HK"}},
		{"Two cities", "Beijing Shanghai Logistics", "", models.MethodGeographic, ConfidenceGeographicMulti,
			[]string{"geographic:BEIJING", "geographic:SHANGHAI"}},
		{"One city", "Shenzhen Widgets", "", models.MethodGeographic, ConfidenceGeographicSingle, []string{"geographic:SHENZHEN"}},
		{"Institutional beats single city", "China   National Nuclear", "", models.MethodInstitutionalTerm, ConfidenceInstitutional,
			[]string{"geographic:CHINA", "institutional_term:CHINA NATIONAL"}},
		{"Apostrophe phrase", "People's Republic Trading", "", models.MethodInstitutionalTerm, ConfidenceInstitutional,
			[]string{"institutional_term:PEOPLE'S REPUBLIC"}},
		{"Primary code wins over company", "Sino Steel", "cn", models.MethodCountryCode, ConfidencePrimaryCountry,
			[]string{"country_code:CN", "company_name:SINO"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Detect(tt.text, tt.code)
			assert.True(t, res.Matched)
			assert.Equal(t, tt.method, res.Method)
			assert.Equal(t, tt.confidence, res.Confidence)
			assert.Equal(t, tt.evidence, res.Evidence)
		})
	}
}

func TestExclusions(t *testing.T) {
	m := newTestMatcher(t)

	t.Run("SuppressesOtherwiseFiringMatch", func(t *testing.T) {
		res := m.Detect("China Grove Farms", "US")
		assert.False(t, res.Matched)
		assert.Equal(t, []string{"CHINA GROVE"}, res.Suppressed)
	})

	t.Run("OnlyExcludedSpanIsMasked", func(t *testing.T) {
		res := m.Detect("China Grove Farms of Beijing", "US")
		assert.True(t, res.Matched)
		assert.Equal(t, []string{"geographic:BEIJING"}, res.Evidence)
		assert.Equal(t, ConfidenceGeographicSingle, res.Confidence)
	})

	t.Run("CountryCodeStillFires", func(t *testing.T) {
		res := m.Detect("Indochina Holidays", "CN")
		assert.True(t, res.Matched)
		assert.Equal(t, []string{"country_code:CN"}, res.Evidence)
		assert.Equal(t, []string{"INDOCHINA"}, res.Suppressed)
	})
}

func TestDetectBatchAndRecord(t *testing.T) {
	m := newTestMatcher(t)

	results := m.DetectBatch([]Input{
		{Text: "Kasino Betriebe", CountryCode: "DE"},
		{Text: "Hikvision", CountryCode: ""},
	})
	require.Len(t, results, 2)
	assert.False(t, results[0].Matched)
	assert.True(t, results[1].Matched)

	res := m.DetectRecord(models.EntityRecord{
		SourceID: "TED",
		RawName:  "Acme Optics",
		Attributes: models.Attributes{
			models.AttrCity:    "Shenzhen",
			models.AttrAddress: "12 Keji Road, Beijing",
		},
	})
	assert.True(t, res.Matched)
	assert.Equal(t, models.MethodGeographic, res.Method)
	assert.Equal(t, ConfidenceGeographicMulti, res.Confidence)
}

func TestNewMatcherValidation(t *testing.T) {
	t.Run("EmptyLists", func(t *testing.T) {
		cfg := testConfig()
		cfg.CompanyLiterals = nil
		cfg.CityLiterals = []string{}
		_, err := NewMatcher(cfg, nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "company_literals")
		assert.Contains(t, err.Error(), "city_literals")
	})

	t.Run("BlankEntry", func(t *testing.T) {
		cfg := testConfig()
		cfg.InstitutionalPhrases = []string{"  "}
		_, err := NewMatcher(cfg, nil)
		assert.True(t, apperrors.IsConfigurationError(err))
	})

	t.Run("OverlappingCodes", func(t *testing.T) {
		cfg := testConfig()
		cfg.SecondaryCountryCodes = []string{"cn"}
		_, err := NewMatcher(cfg, nil)
		assert.True(t, apperrors.IsConfigurationError(err))
	})

	t.Run("EmptyExclusionsAllowed", func(t *testing.T) {
		cfg := testConfig()
		cfg.Exclusions = nil
		_, err := NewMatcher(cfg, nil)
		assert.NoError(t, err)
	})
}
