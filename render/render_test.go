package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos.run/model"
)

func TestRenderMidChainStep(t *testing.T) {
	mem := &model.Memory{
		UUID:  "u1",
		Label: "Step 1",
		Text:  "Do A.",
		Chain: &model.ChainRef{ID: "c1", Label: "P1", StepIndex: 1, StepCount: 2},
	}
	out := Render(mem, Neighbors{FirstURI: "kairos://mem/u1", NextURI: "kairos://mem/u2"})

	assert.True(t, strings.HasPrefix(out, "<!-- KAIROS:HEADER -->"))
	assert.Contains(t, out, "Label: Step 1")
	assert.Contains(t, out, "Position: 1/2")
	assert.Contains(t, out, "NextStep: kairos://mem/u2")
	assert.Contains(t, out, "STOP AND EXECUTE THIS STEP NOW")
	assert.NotContains(t, out, "RateThisChain")
}

func TestRenderFinalStep(t *testing.T) {
	mem := &model.Memory{
		UUID:  "u2",
		Label: "Step 2",
		Text:  "Do B.",
		Chain: &model.ChainRef{ID: "c1", Label: "P1", StepIndex: 2, StepCount: 2},
	}
	out := Render(mem, Neighbors{FirstURI: "kairos://mem/u1", PreviousURI: "kairos://mem/u1"})

	assert.Contains(t, out, "NextStep: null")
	assert.Contains(t, out, "THIS IS THE FINAL STEP")
	assert.Contains(t, out, "RateThisChain: success")
}

func TestExtractBodyRoundTrips(t *testing.T) {
	mem := &model.Memory{UUID: "u1", Label: "Step 1", Text: "Original body.", Chain: &model.ChainRef{StepIndex: 1, StepCount: 1}}
	rendered := Render(mem, Neighbors{})

	body, ok := ExtractBody(rendered)
	require.True(t, ok)
	assert.Equal(t, "Original body.", body)
}

func TestExtractBodyIgnoresEditsOutsideMarkers(t *testing.T) {
	doc := "<!-- KAIROS:HEADER -->\nLabel: tampered\n<!-- KAIROS:BODY-START -->\nreal body\n<!-- KAIROS:BODY-END -->\n<!-- KAIROS:FOOTER -->\nNextStep: tampered\n"
	body, ok := ExtractBody(doc)
	require.True(t, ok)
	assert.Equal(t, "real body", body)
}

func TestExtractBodyMissingMarkersFails(t *testing.T) {
	_, ok := ExtractBody("no markers here")
	assert.False(t, ok)
}
