// Package model defines the domain types shared across the Kairos server:
// memory steps, chain identity, proof-of-work challenges/solutions, and
// proof records. Nothing in this package talks to storage, the network, or
// the embedder — it is pure data plus the small amount of derivation logic
// (hashing, canonicalization) every component needs to agree on.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// GenesisHash is the fixed prior-hash a step-1 submission must echo.
const GenesisHash = "GENESIS_HASH"

// ChallengeType names the four proof-of-work variants a step may require.
type ChallengeType string

const (
	ChallengeShell     ChallengeType = "shell"
	ChallengeMCP       ChallengeType = "mcp"
	ChallengeUserInput ChallengeType = "user_input"
	ChallengeComment   ChallengeType = "comment"
)

// ChainRef locates a memory within its chain. Absent (nil) for singleton
// memories that do not belong to a sequence.
type ChainRef struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	StepIndex  int    `json:"step_index"`
	StepCount  int    `json:"step_count"`
}

// ShellChallenge describes a shell-executed verification step.
type ShellChallenge struct {
	Cmd            string `json:"cmd"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// MCPChallenge describes an MCP tool-call verification step.
type MCPChallenge struct {
	ToolName       string `json:"tool_name"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// UserInputChallenge describes an out-of-band confirmation step.
type UserInputChallenge struct {
	Prompt string `json:"prompt,omitempty"`
}

// CommentChallenge describes a free-text attestation step.
type CommentChallenge struct {
	MinLength int `json:"min_length,omitempty"`
}

// DefaultCommentMinLength is used when a step has no explicit challenge
// definition at all: §8 boundary behavior requires `next` to still accept
// a comment solution with this minimum length.
const DefaultCommentMinLength = 10

// ProofOfWork is a step's challenge definition as authored in the source
// document (or synthesized as a default comment challenge).
type ProofOfWork struct {
	Type       ChallengeType       `json:"type"`
	Required   bool                `json:"required"`
	Shell      *ShellChallenge     `json:"shell,omitempty"`
	MCP        *MCPChallenge       `json:"mcp,omitempty"`
	UserInput  *UserInputChallenge `json:"user_input,omitempty"`
	Comment    *CommentChallenge   `json:"comment,omitempty"`
}

// DefaultProofOfWork is synthesized for steps whose document did not
// declare a challenge at all.
func DefaultProofOfWork() *ProofOfWork {
	return &ProofOfWork{
		Type:     ChallengeComment,
		Required: true,
		Comment:  &CommentChallenge{MinLength: DefaultCommentMinLength},
	}
}

// QualityMeta is the additive, post-hoc metadata attest() writes onto the
// final step of a chain. It never participates in the idempotency hash
// (design note §9.4).
type QualityMeta struct {
	Score       float64   `json:"score"`
	Tier        string    `json:"tier"`
	Attribution string    `json:"attribution,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Memory is one step: either a singleton or one link in a chain.
type Memory struct {
	UUID        string       `json:"memory_uuid"`
	Chain       *ChainRef    `json:"chain,omitempty"`
	Label       string       `json:"label"`
	Text        string       `json:"text"`
	Tags        []string     `json:"tags,omitempty"`
	ProofOfWork *ProofOfWork `json:"proof_of_work,omitempty"`
	LLMModelID  string       `json:"llm_model_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	SpaceID     string       `json:"space_id"`
	Quality     *QualityMeta `json:"quality,omitempty"`
}

// IsHead reports whether m is the first step of its chain, or a singleton
// (which is always treated as its own head).
func (m *Memory) IsHead() bool {
	return m.Chain == nil || m.Chain.StepIndex == 1
}

// IsLast reports whether m is the final step of its chain.
func (m *Memory) IsLast() bool {
	return m.Chain == nil || m.Chain.StepIndex == m.Chain.StepCount
}

// ProofStatus is the outcome recorded for a submission attempt.
type ProofStatus string

const (
	ProofSuccess ProofStatus = "success"
	ProofFailure ProofStatus = "failure"
	ProofPending ProofStatus = "pending"
)

// ProofRecord is the persisted result of a step's proof-of-work submission.
// At most one ProofSuccess record exists per (space_id, memory_uuid).
type ProofRecord struct {
	MemoryUUID  string      `json:"memory_uuid"`
	ProofHash   string      `json:"proof_hash"`
	Status      ProofStatus `json:"status"`
	NonceUsed   string      `json:"nonce_used"`
	SubmittedAt time.Time   `json:"submitted_at"`
	RetryCount  int         `json:"retry_count"`
}

// ChallengeState is the outstanding nonce/retry bookkeeping for a step,
// keyed by (space_id, memory_uuid). TTL-bounded in storage; cleared on
// success.
type ChallengeState struct {
	MemoryUUID  string    `json:"memory_uuid"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
	RetryCount  int       `json:"retry_count"`
	LastFailure string    `json:"last_failure,omitempty"`
}

// Challenge is what the server hands back to the agent for a given step.
type Challenge struct {
	Type        ChallengeType       `json:"type"`
	Description string              `json:"description"`
	Nonce       string              `json:"nonce"`
	ProofHash   string              `json:"proof_hash"`
	Shell       *ShellChallenge     `json:"shell,omitempty"`
	MCP         *MCPChallenge       `json:"mcp,omitempty"`
	UserInput   *UserInputChallenge `json:"user_input,omitempty"`
	Comment     *CommentChallenge   `json:"comment,omitempty"`
}

// ShellSolution is the agent-reported result of running a shell challenge.
type ShellSolution struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// MCPSolution is the agent-reported result of an MCP tool call.
type MCPSolution struct {
	Success  bool   `json:"success"`
	ToolName string `json:"tool_name"`
}

// UserInputSolution is the agent-reported (or elicited) confirmation.
type UserInputSolution struct {
	Confirmation string `json:"confirmation"`
}

// CommentSolution is a free-text attestation.
type CommentSolution struct {
	Text string `json:"text"`
}

// Solution is the agent's submission for a step's challenge. Exactly one
// of the type-specific fields matching Type must be populated.
type Solution struct {
	Type      ChallengeType      `json:"type"`
	Nonce     string             `json:"nonce"`
	ProofHash string             `json:"proof_hash"`
	Shell     *ShellSolution     `json:"shell,omitempty"`
	MCP       *MCPSolution       `json:"mcp,omitempty"`
	UserInput *UserInputSolution `json:"user_input,omitempty"`
	Comment   *CommentSolution   `json:"comment,omitempty"`
}

// Canonical returns a stable byte representation of the solution, used as
// input to the success-hash computation. Field order is fixed regardless
// of which variant is populated so the same solution always hashes the
// same way.
func (s *Solution) Canonical() []byte {
	m := map[string]interface{}{"type": s.Type}
	switch s.Type {
	case ChallengeShell:
		if s.Shell != nil {
			m["exit_code"] = s.Shell.ExitCode
			m["stdout"] = s.Shell.Stdout
		}
	case ChallengeMCP:
		if s.MCP != nil {
			m["success"] = s.MCP.Success
			m["tool_name"] = s.MCP.ToolName
		}
	case ChallengeUserInput:
		if s.UserInput != nil {
			m["confirmation"] = s.UserInput.Confirmation
		}
	case ChallengeComment:
		if s.Comment != nil {
			m["text"] = s.Comment.Text
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, m[k])
	}
	b, _ := json.Marshal(ordered)
	return b
}

// ComputeProofHash derives the hash a successful submission stores, which
// becomes the expected prior-hash for the next step in the chain.
func ComputeProofHash(memoryUUID, nonce, priorHash string, solution *Solution) string {
	h := sha256.New()
	h.Write([]byte(memoryUUID))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	h.Write([]byte{0})
	h.Write([]byte(priorHash))
	h.Write([]byte{0})
	h.Write(solution.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// ChainID derives a deterministic chain identifier from the first step's
// normalized text and the author's identity, so that a rewrite by the same
// author of the same content is idempotent (§4.7 step 2).
func ChainID(normalizedHeadText, author string) string {
	h := sha256.Sum256([]byte(author + "\x00" + normalizedHeadText))
	return hex.EncodeToString(h[:16])
}

// ChainIdentity stores the one piece of idempotency state a Chain Store
// keeps outside the vector DB's own records: the hash of each step's body,
// used to distinguish an exact rewrite from a genuine content change.
type ChainIdentity struct {
	ChainID    string
	StepHashes []string
}

// StepHash hashes a single step's pre-embedding body text, used for the
// exact-match rewrite check in §4.7 step 3.
func StepHash(body string) string {
	h := sha256.Sum256([]byte(body))
	return hex.EncodeToString(h[:])
}

// ReservedCreateUUID is the app-space helper memory offered as the
// "create a new protocol" synthetic choice.
const ReservedCreateUUID = "00000000-0000-0000-0000-000000002001"

// ReservedRefineUUID is the app-space helper memory offered as the
// "refine your search" synthetic choice.
const ReservedRefineUUID = "00000000-0000-0000-0000-000000002002"

// URI builds the kairos://mem/{uuid} form used throughout the wire protocol.
func URI(uuid string) string {
	return fmt.Sprintf("kairos://mem/%s", uuid)
}
