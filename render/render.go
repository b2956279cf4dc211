// Package render implements the Memory Renderer (C11): serializing a step
// into Markdown with the stable HEADER/BODY/FOOTER markers, and the inverse
// operation of extracting only the body bytes from a caller's edit.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"kairos.run/model"
)

const (
	headerMarker    = "<!-- KAIROS:HEADER -->"
	bodyStartMarker = "<!-- KAIROS:BODY-START -->"
	bodyEndMarker   = "<!-- KAIROS:BODY-END -->"
	footerMarker    = "<!-- KAIROS:FOOTER -->"
)

// Neighbors carries the resolved first/previous/next step references a
// render needs but does not own.
type Neighbors struct {
	FirstURI    string
	PreviousURI string
	NextURI     string
}

// Render emits the full Markdown document for mem, per §4.11.
func Render(mem *model.Memory, n Neighbors) string {
	var b strings.Builder

	b.WriteString(headerMarker + "\n")
	if mem.Chain != nil {
		b.WriteString("ProtocolMode: strict_sequential\n")
	}
	b.WriteString("Label: " + mem.Label + "\n")
	if mem.Chain != nil {
		b.WriteString("ChainTitle: " + mem.Chain.Label + "\n")
		b.WriteString(fmt.Sprintf("Position: %d/%d\n", mem.Chain.StepIndex, mem.Chain.StepCount))
		b.WriteString("ProtocolId: " + mem.Chain.ID + "\n")
	}
	if n.FirstURI != "" {
		b.WriteString("FirstStep: " + n.FirstURI + "\n")
	}
	if n.PreviousURI != "" {
		b.WriteString("Previous: " + n.PreviousURI + "\n")
	}
	b.WriteString("Requirement: All prior steps in this chain must already be applied before reading further.\n")

	b.WriteString(bodyStartMarker + "\n")
	b.WriteString(mem.Text)
	if !strings.HasSuffix(mem.Text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(bodyEndMarker + "\n")

	b.WriteString(footerMarker + "\n")
	if n.NextURI != "" {
		b.WriteString("NextStep: " + n.NextURI + "\n")
	} else {
		b.WriteString("NextStep: null\n")
	}
	if mem.IsLast() {
		b.WriteString("ExecuteDirective: THIS IS THE FINAL STEP — EXECUTE AND STOP\n")
	} else {
		b.WriteString("ExecuteDirective: STOP AND EXECUTE THIS STEP NOW — DO NOT READ AHEAD\n")
	}
	b.WriteString("CompletionRule: Do not process any future step until this one's proof has been verified.\n")
	if mem.IsLast() {
		b.WriteString("RateThisChain: success\n")
	}

	return b.String()
}

var bodyExtractRe = regexp.MustCompile(`(?s)<!-- KAIROS:BODY-START -->\n(.*?)<!-- KAIROS:BODY-END -->`)

// ExtractBody pulls only the bytes between BODY markers from a caller's
// rendered-and-edited document. Bytes outside the markers are ignored —
// this is the sole safe mutation surface on a stored memory's text (§4.11,
// §8 invariant 6).
func ExtractBody(doc string) (string, bool) {
	m := bodyExtractRe.FindStringSubmatch(doc)
	if m == nil {
		return "", false
	}
	return strings.TrimSuffix(m[1], "\n"), true
}
