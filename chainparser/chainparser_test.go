package chainparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kairos.run/model"
)

func TestParseTwoStepChain(t *testing.T) {
	doc := "# P1\n\n## Step 1\nDo A.\n\n## Step 2\nDo B.\n"

	parsed, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "P1", parsed.ChainLabel)
	require.Len(t, parsed.Steps, 2)
	assert.Equal(t, "Step 1", parsed.Steps[0].Label)
	assert.Equal(t, "Do A.", parsed.Steps[0].Body)
	assert.Equal(t, "Step 2", parsed.Steps[1].Label)
	assert.Equal(t, "Do B.", parsed.Steps[1].Body)
}

func TestParseNoH2YieldsSingleStep(t *testing.T) {
	doc := "# Only preamble\n\nSome text here.\n"

	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, parsed.Steps, 1)
	assert.Equal(t, "Only preamble", parsed.Steps[0].Label)
	assert.Equal(t, "Some text here.", parsed.Steps[0].Body)
}

func TestHeadingInsideFencedBlockIsNotStructural(t *testing.T) {
	doc := "# P1\n\n## Step 1\n```bash\n## not a heading\n```\nDo A.\n\n## Step 2\nDo B.\n"

	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, parsed.Steps, 2)
	assert.Contains(t, parsed.Steps[0].Body, "## not a heading")
}

func TestExtractsFencedJSONChallenge(t *testing.T) {
	doc := "# P1\n\n## Step 1\nRun the check.\n\n```json\n{\"challenge\": {\"type\": \"shell\", \"required\": true, \"shell\": {\"cmd\": \"echo hi\", \"timeout_seconds\": 30}}}\n```\n"

	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, parsed.Steps, 1)
	require.NotNil(t, parsed.Steps[0].Proof)
	assert.Equal(t, model.ChallengeShell, parsed.Steps[0].Proof.Type)
	assert.Equal(t, "echo hi", parsed.Steps[0].Proof.Shell.Cmd)
	assert.Equal(t, 30, parsed.Steps[0].Proof.Shell.TimeoutSeconds)
	assert.NotContains(t, parsed.Steps[0].Body, "challenge")
}

func TestExtractsLegacyProofOfWorkLine(t *testing.T) {
	doc := "# P1\n\n## Step 1\nDo the thing.\nPROOF OF WORK: [timeout 30s] echo hello\n"

	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.NotNil(t, parsed.Steps[0].Proof)
	assert.Equal(t, model.ChallengeShell, parsed.Steps[0].Proof.Type)
	assert.Equal(t, "echo hello", parsed.Steps[0].Proof.Shell.Cmd)
	assert.Equal(t, 30, parsed.Steps[0].Proof.Shell.TimeoutSeconds)
	assert.NotContains(t, parsed.Steps[0].Body, "PROOF OF WORK")
}

func TestLegacyTimeoutUnits(t *testing.T) {
	doc := "# P1\n\n## Step 1\nx\nPROOF OF WORK: [timeout 2m] sleep 1\n"
	parsed, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, 120, parsed.Steps[0].Proof.Shell.TimeoutSeconds)
}
