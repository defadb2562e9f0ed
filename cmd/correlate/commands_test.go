package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestResolveCommand(t *testing.T) {
	input := `{"source_id":"TED","external_id":"T1","raw_name":"Huawei Technologies Co., Ltd."}
{"source_id":"GLEIF","external_id":"L1","raw_name":"HUAWEI TECHNOLOGIES CO LTD"}
{"source_id":"BIS","external_id":"B1","raw_name":"Huawei Technologies"}
`
	dir := t.TempDir()
	ctxFile := filepath.Join(dir, "contexts.json")
	require.NoError(t, os.WriteFile(ctxFile, []byte(`{"L1":{"sanctions_list_membership":true}}`), 0o600))

	out, err := execute(t, input, "resolve", "--contexts", ctxFile)
	require.NoError(t, err)

	var run models.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	require.Len(t, run.Clusters, 1)
	assert.Equal(t, 3, run.Clusters[0].SourceCount)
	require.Len(t, run.Assessments, 1)
	assert.Equal(t, models.RiskCategoryCritical, run.Assessments[0].Category)
}

func TestReadRecords(t *testing.T) {
	t.Run("Array", func(t *testing.T) {
		records, err := readRecords(strings.NewReader(`  [{"source_id":"A","raw_name":"ZTE"},{"source_id":"B","raw_name":"ZTE Corp"}]`))
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("Lines", func(t *testing.T) {
		records, err := readRecords(strings.NewReader("{\"source_id\":\"A\",\"raw_name\":\"ZTE\"}\n\n{\"source_id\":\"B\",\"raw_name\":\"ZTE\"}\n"))
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("Empty", func(t *testing.T) {
		records, err := readRecords(strings.NewReader("  \n"))
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := readRecords(strings.NewReader(`{"source_id":"A"}` + "\n" + `{"source_id":`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "record 2")
	})
}

func TestDetectCommand(t *testing.T) {
	out, err := execute(t, "", "detect", "--text", "Beijing Ruijie Networks", "--country", "US")
	require.NoError(t, err)

	var result models.DetectionResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Matched)
}

func TestScoreCommand(t *testing.T) {
	out, err := execute(t, "", "score", "--sources", "3", "--sanctions", "--amount", "2500000")
	require.NoError(t, err)

	var a models.RiskAssessment
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.GreaterOrEqual(t, a.CompositeScore, 70.0)
	assert.Equal(t, models.RiskCategoryCritical, a.Category)

	_, err = execute(t, "", "score", "--sources", "0")
	assert.Error(t, err)
}

func TestPolicyCommands(t *testing.T) {
	t.Run("DumpThenValidate", func(t *testing.T) {
		out, err := execute(t, "", "policy", "dump")
		require.NoError(t, err)
		assert.Contains(t, out, "legal_suffixes")

		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte(out), 0o600))

		out, err = execute(t, "", "policy", "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "ok")
	})

	t.Run("InvalidWeights", func(t *testing.T) {
		out, err := execute(t, "", "policy", "dump")
		require.NoError(t, err)
		broken := strings.Replace(out, "weight: 0.35", "weight: 0.95", 1)
		require.NotEqual(t, out, broken)

		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

		_, err = execute(t, "", "policy", "validate", path)
		require.Error(t, err)
		assert.True(t, apperrors.IsConfigurationError(err))
	})
}
