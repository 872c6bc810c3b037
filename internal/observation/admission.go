package observation

import (
	"strings"

	"github.com/corvid-labs/memengine/internal/model"
)

// HighSignalTools are always admitted regardless of content.
var HighSignalTools = map[string]bool{
	"Write":    true,
	"Edit":     true,
	"WebFetch": true,
	"WebSearch": true,
}

// ResearchTools are routed to the Research Buffer instead of creating an
// observation.
var ResearchTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
}

var meaningfulBashPrefixes = []string{
	"go build", "go test", "go vet", "npm test", "npm run build", "yarn build",
	"cargo build", "cargo test", "make", "pytest", "git commit", "git merge",
	"git rebase", "git push", "git checkout -b", "docker build", "docker run",
	"docker compose up", "npm install", "pip install", "go get", "go install",
}

var navigationBashPrefixes = []string{
	"ls", "cd ", "pwd", "git status", "git log", "git diff", "cat ", "echo ",
}

var decisionErrorKeywords = []string{
	"because", "decided", "chose", "switch", "error", "fail", "bug", "fix",
	"traceback", "exception", "panic",
}

// AdmissionEvent is the hook-captured input considered for admission.
type AdmissionEvent struct {
	ToolName string
	Content  string
	IsOwnTool bool
}

// AdmissionDecision communicates why an event was or wasn't admitted.
type AdmissionDecision struct {
	Admit        bool
	ToResearch   bool
	Kind         model.ObservationKind
	Reason       string
}

// Admit implements the Admission Filter contract of component 4.12.
func Admit(ev AdmissionEvent) AdmissionDecision {
	if ev.IsOwnTool || strings.TrimSpace(ev.Content) == "" {
		return AdmissionDecision{Admit: false, Reason: "empty content or own tool call"}
	}

	if HighSignalTools[ev.ToolName] {
		return AdmissionDecision{Admit: true, Kind: model.KindChange, Reason: "high-signal tool"}
	}

	if ResearchTools[ev.ToolName] {
		return AdmissionDecision{Admit: false, ToResearch: true, Reason: "research-only tool"}
	}

	if ev.ToolName == "Bash" {
		cmd := strings.TrimSpace(ev.Content)
		if matchesAny(cmd, navigationBashPrefixes) && !matchesAny(cmd, meaningfulBashPrefixes) {
			return AdmissionDecision{Admit: false, Reason: "navigation command"}
		}
		if !matchesAny(cmd, meaningfulBashPrefixes) {
			return AdmissionDecision{Admit: false, Reason: "not a meaningful command"}
		}
		return AdmissionDecision{Admit: true, Kind: model.KindChange, Reason: "meaningful bash command"}
	}

	if len(ev.Content) > 5000 && !containsKeyword(ev.Content, decisionErrorKeywords) {
		return AdmissionDecision{Admit: false, Reason: "large content without decision/error indicator"}
	}

	return AdmissionDecision{Admit: true, Kind: model.KindFinding, Reason: "default admit"}
}

func matchesAny(s string, prefixes []string) bool {
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func containsKeyword(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
