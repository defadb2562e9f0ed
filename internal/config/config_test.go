package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/normalize"
	"github.com/aegisshield/entity-correlation/internal/scoring"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.HTTPPort)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, 5000, cfg.Engine.MaxBucketSize)
		assert.Equal(t, "0.0.0.0:8080", cfg.GetHTTPAddr())
		assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
		assert.Contains(t, cfg.GetDatabaseDSN(), "dbname=entity_correlation")
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Setenv("ECE_SERVER_HTTP_PORT", "9191")
		t.Setenv("ECE_LOGGING_FORMAT", "console")
		t.Setenv("ECE_DATABASE_PASSWORD", "s3cret")
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, 9191, cfg.Server.HTTPPort)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Equal(t, "s3cret", cfg.Database.Password)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 8181
database:
  enabled: true
  host: db.internal
scheduler:
  enabled: true
  rerun_schedule: "0 */15 * * * *"
engine:
  workers: 4
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 8181, cfg.Server.HTTPPort)
		assert.True(t, cfg.Database.Enabled)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, "0 */15 * * * *", cfg.Scheduler.RerunSchedule)
		assert.Equal(t, 4, cfg.Engine.Workers)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("InvalidPort", func(t *testing.T) {
		t.Setenv("ECE_SERVER_HTTP_PORT", "70000")
		_, err := LoadConfig("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTPPort")
	})

	t.Run("SchedulerNeedsDatabase", func(t *testing.T) {
		t.Setenv("ECE_SCHEDULER_ENABLED", "true")
		_, err := LoadConfig("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler requires the database")
	})

	t.Run("InvalidLogLevel", func(t *testing.T) {
		t.Setenv("ECE_LOGGING_LEVEL", "verbose")
		_, err := LoadConfig("")
		assert.Error(t, err)
	})
}

func TestInitLogger(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	logger, err := cfg.InitLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Contains(t, p.CompanyLiterals, "HUAWEI")
	assert.Contains(t, p.Exclusions, "INDOCHINA")
	assert.Equal(t, normalize.DefaultSuffixes, p.LegalSuffixes)
	assert.Equal(t, normalize.ModeRepeated, p.Mode())
	assert.Equal(t, scoring.DefaultDimensions(), p.DimensionWeights)
	assert.Equal(t, scoring.DefaultThresholds(), p.CategoryThresholds)
	assert.Equal(t, scoring.DefaultSanctionsFloor, p.ScoringConfig().SanctionsFloor)
	assert.Equal(t, []string{"CN"}, p.PatternConfig().PrimaryCountryCodes)

	t.Run("FreshCopy", func(t *testing.T) {
		a := DefaultPolicy()
		a.CompanyLiterals[0] = "CHANGED"
		assert.Equal(t, "HUAWEI", DefaultPolicy().CompanyLiterals[0])
	})

	t.Run("DumpParses", func(t *testing.T) {
		data, err := p.Marshal()
		require.NoError(t, err)
		again, err := ParsePolicy(data)
		require.NoError(t, err)
		assert.Equal(t, p, again)
	})
}

func TestParsePolicy(t *testing.T) {
	base := `
company_literals: [HUAWEI]
city_literals: [BEIJING]
institutional_phrases: [CHINA NATIONAL]
legal_suffixes: [LTD]
dimension_weights:
  - {name: sanctions_list_membership, weight: 1.0}
category_thresholds:
  - {category: CRITICAL, min_score: 70}
  - {category: LOW, min_score: 0}
`
	t.Run("Minimal", func(t *testing.T) {
		p, err := ParsePolicy([]byte(base))
		require.NoError(t, err)
		assert.Equal(t, scoring.DefaultSanctionsFloor, p.ScoringConfig().SanctionsFloor)
		assert.Empty(t, p.Exclusions)
	})

	t.Run("ExplicitFloor", func(t *testing.T) {
		p, err := ParsePolicy([]byte(base + "sanctions_floor: 0\n"))
		require.NoError(t, err)
		assert.Equal(t, 0.0, p.ScoringConfig().SanctionsFloor)
	})

	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"Unknown key", base + "company_literal: [ZTE]\n", "policy"},
		{"Empty company list", "company_literals: []\n" + base[len("\ncompany_literals: [HUAWEI]\n"):], "company_literals"},
		{"Blank suffix", base + "exclusions: ['']\n", "exclusions"},
		{"Bad country code", base + "primary_country_codes: [CHN]\n", "primary_country_codes"},
		{"Bad mode", base + "suffix_strip_mode: greedy\n", "suffix_strip_mode"},
		{"Weights off", `
company_literals: [HUAWEI]
city_literals: [BEIJING]
institutional_phrases: [CHINA NATIONAL]
legal_suffixes: [LTD]
dimension_weights:
  - {name: sanctions_list_membership, weight: 0.6}
category_thresholds:
  - {category: LOW, min_score: 0}
`, "dimension_weights"},
		{"Not YAML", "company_literals: [", "policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, apperrors.IsConfigurationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Run("EmptyPathIsDefault", func(t *testing.T) {
		p, err := LoadPolicy("")
		require.NoError(t, err)
		assert.Equal(t, DefaultPolicy(), p)
	})

	t.Run("FromFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		data, err := DefaultPolicy().Marshal()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		p, err := LoadPolicy(path)
		require.NoError(t, err)
		assert.Contains(t, p.InstitutionalPhrases, "PEOPLE'S REPUBLIC")
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
