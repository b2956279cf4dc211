// Package chainparser implements the Markdown Chain Parser (C5): splitting
// a Markdown document into an ordered sequence of steps, extracting each
// step's proof-of-work challenge definition, and tracking fenced-code-block
// state so that headings inside code samples are never treated as
// structural.
package chainparser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"kairos.run/model"
)

// StepDescriptor is one parsed step before it is assigned a chain id or
// embedded.
type StepDescriptor struct {
	Label string
	Body  string
	Proof *model.ProofOfWork
}

// Document is the parsed form of a Markdown chain document.
type Document struct {
	ChainLabel string
	Tags       []string
	Steps      []StepDescriptor
}

var (
	h1Re = regexp.MustCompile(`^#\s+(.+?)\s*$`)
	h2Re = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	// fenceRe matches a fenced code block delimiter line, with or without
	// a language tag.
	fenceRe = regexp.MustCompile("^\\s*```")

	legacyProofRe = regexp.MustCompile(`(?i)^\s*PROOF OF WORK:\s*(?:\[timeout\s+(\d+)(s|m|h|ms)\]\s*)?(.+?)\s*$`)
)

// Parse splits doc into a chain label plus ordered steps. A document with
// no H2 headings yields a single-step chain whose body is everything after
// the H1 (§4.5 edge case).
func Parse(doc string) (*Document, error) {
	lines := strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n")

	result := &Document{}
	var currentLabel string
	var currentBuf []string
	haveH1 := false
	inFence := false
	inPreamble := true

	flush := func() {
		if !haveH1 {
			return
		}
		body := strings.Join(currentBuf, "\n")
		// A blank preamble between the H1 and the first H2 is not a step.
		if inPreamble && strings.TrimSpace(body) == "" {
			return
		}
		result.Steps = append(result.Steps, StepDescriptor{Label: currentLabel, Body: body})
	}

	for _, line := range lines {
		if fenceRe.MatchString(line) {
			inFence = !inFence
			currentBuf = append(currentBuf, line)
			continue
		}
		if !inFence {
			if m := h1Re.FindStringSubmatch(line); m != nil && !haveH1 {
				result.ChainLabel = m[1]
				currentLabel = m[1]
				haveH1 = true
				continue
			}
			if m := h2Re.FindStringSubmatch(line); m != nil {
				flush()
				inPreamble = false
				currentLabel = m[1]
				currentBuf = nil
				continue
			}
		}
		currentBuf = append(currentBuf, line)
	}
	flush()

	for i := range result.Steps {
		body, proof := extractChallenge(result.Steps[i].Body)
		result.Steps[i].Body = strings.TrimSpace(normalizeWhitespace(body))
		result.Steps[i].Proof = proof
	}

	return result, nil
}

// normalizeWhitespace collapses runs of 3+ blank lines left behind by
// challenge-block stripping down to a single blank line.
func normalizeWhitespace(body string) string {
	re := regexp.MustCompile(`\n{3,}`)
	return re.ReplaceAllString(body, "\n\n")
}

// challengeBlockRe matches a fenced block whose language tag is "json"
// (optional) and whose content is captured for further inspection.
var challengeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// extractChallenge looks for a fenced JSON `challenge` block, then for the
// legacy single-line PROOF OF WORK form, per §4.5 step 4. The matched
// block/line is stripped from the returned body.
func extractChallenge(body string) (string, *model.ProofOfWork) {
	if loc := findChallengeBlock(body); loc != nil {
		pow := loc.proof
		stripped := body[:loc.start] + body[loc.end:]
		return stripped, pow
	}

	lines := strings.Split(body, "\n")
	var kept []string
	var proof *model.ProofOfWork
	for _, line := range lines {
		if proof == nil {
			if m := legacyProofRe.FindStringSubmatch(line); m != nil {
				timeout := parseLegacyTimeout(m[1], m[2])
				proof = &model.ProofOfWork{
					Type:     model.ChallengeShell,
					Required: true,
					Shell:    &model.ShellChallenge{Cmd: m[3], TimeoutSeconds: timeout},
				}
				continue
			}
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), proof
}

type challengeMatch struct {
	start, end int
	proof      *model.ProofOfWork
}

// findChallengeBlock scans all fenced blocks in body for one whose decoded
// JSON has a top-level "challenge" key.
func findChallengeBlock(body string) *challengeMatch {
	matches := challengeBlockRe.FindAllStringSubmatchIndex(body, -1)
	for _, m := range matches {
		content := body[m[2]:m[3]]
		var wrapper struct {
			Challenge json.RawMessage `json:"challenge"`
		}
		if err := json.Unmarshal([]byte(content), &wrapper); err != nil || wrapper.Challenge == nil {
			continue
		}
		var pow model.ProofOfWork
		if err := json.Unmarshal(wrapper.Challenge, &pow); err != nil {
			continue
		}
		return &challengeMatch{start: m[0], end: m[1], proof: &pow}
	}
	return nil
}

func parseLegacyTimeout(value, unit string) int {
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	switch unit {
	case "ms":
		if n < 1000 {
			return 1
		}
		return n / 1000
	case "m":
		return n * 60
	case "h":
		return n * 3600
	default: // "s"
		return n
	}
}
