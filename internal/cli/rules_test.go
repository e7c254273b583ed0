package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func runRules(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand("test")
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--format", format, "rules", "validate"}, args...))
	return buf, cmd.Execute()
}

func TestRulesValidateText(t *testing.T) {
	buf, err := runRules(t, "text", "testdata/rules.yaml")
	require.NoError(t, err)
	newGolden(t).Assert(t, "rules_validate_text", buf.Bytes())
}

func TestRulesValidateJSON(t *testing.T) {
	buf, err := runRules(t, "json", "testdata/rules.yaml")
	require.NoError(t, err)
	newGolden(t).Assert(t, "rules_validate_json", buf.Bytes())
}

func TestRulesValidateInvalid(t *testing.T) {
	buf, err := runRules(t, "text", "testdata/invalid_rules.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeInvalidRules)

	out := buf.String()
	assert.Contains(t, out, "✗ Rule validation failed")
	assert.Contains(t, out, "from_entity_type, to_entity_type and relationship_type are required")
	assert.Contains(t, out, `rule "no-relationship": duplicate id`)
}

func TestRulesValidateBadExpressionJSON(t *testing.T) {
	buf, err := runRules(t, "json", "testdata/bad_expression.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string      `json:"status"`
		Data   RulesReport `json:"data"`
		Error  *CLIError   `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRules, resp.Error.Code)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 1)
	assert.Contains(t, resp.Data.Errors[0], `rule "broken-predicate"`)
	assert.Contains(t, resp.Data.Errors[0], "compile expression")
	require.Len(t, resp.Data.Rules, 1)
}

func TestRulesValidateMissingFile(t *testing.T) {
	buf, err := runRules(t, "text", "testdata/nope.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), ErrCodeNotFound)
}
