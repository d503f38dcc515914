package prompts

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Special prompt files. Everything else in the directory is shared worker context,
// except files named after a worker capability, which only that worker loads.
const (
	SynthesisFile = "synthesis.md"
	IntentFile    = "intent.md"
)

var sharedOrder = map[string]int{
	"identity.md":   1,
	"guidelines.md": 2,
	"output.md":     3,
}

var defaults = map[string]string{
	"identity.md": "You are a meticulous equity research analyst working one phase of a larger research plan.",
	"output.md": "Answer in concise markdown. End with a line of the form `CONFIDENCE: high|medium|low`.\n" +
		"If the evidence is insufficient, say so explicitly instead of guessing.",
	SynthesisFile: "You combine phase findings into one investment research report. Cite which phase each claim " +
		"comes from, flag gaps left by skipped phases and finish with a short overall conclusion.",
	IntentFile: "Classify the user's request into one of the task types: stock_analysis, holdings_tracking, " +
		"stock_screening, dashboard_scan. Reply with exactly two lines:\nTASK: <task type>\nTARGET: <ticker, investor or criteria>",
}

type Manager struct {
	Directory string
	// Capabilities lists worker names whose prompt files are not shared.
	Capabilities []string
}

func NewManager(dir string, capabilities ...string) *Manager {
	return &Manager{Directory: dir, Capabilities: capabilities}
}

// WorkerPrompt assembles the shared prompt files followed by the capability's own file.
// Built-in defaults are used when the directory holds no shared files.
func (pm *Manager) WorkerPrompt(capability string) (string, error) {
	if pm == nil {
		pm = &Manager{}
	}
	entries, err := os.ReadDir(pm.Directory)
	if err != nil && pm.Directory != "" && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	private := map[string]bool{SynthesisFile: true, IntentFile: true}
	for _, c := range pm.Capabilities {
		private[c+".md"] = true
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || private[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sortShared(names)

	var contents []string
	for _, name := range names {
		path := filepath.Join(pm.Directory, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}
	if len(contents) == 0 {
		contents = []string{defaults["identity.md"], defaults["output.md"]}
	}

	if own, err := pm.read(capability + ".md"); err == nil {
		contents = append(contents, own)
	} else {
		contents = append(contents, fmt.Sprintf("Your capability for this phase: %s.", capability))
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}

// SynthesisPrompt returns the system prompt of the report synthesizer.
func (pm *Manager) SynthesisPrompt() string {
	return pm.readOrDefault(SynthesisFile)
}

// IntentPrompt returns the system prompt of the query interpreter.
func (pm *Manager) IntentPrompt() string {
	return pm.readOrDefault(IntentFile)
}

func (pm *Manager) readOrDefault(name string) string {
	if s, err := pm.read(name); err == nil {
		return s
	}
	return defaults[name]
}

func (pm *Manager) read(name string) (string, error) {
	if pm == nil || pm.Directory == "" {
		return "", os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(pm.Directory, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// sortShared keeps a deterministic prompt order: known files first, then by name.
func sortShared(names []string) {
	sort.Slice(names, func(i, j int) bool {
		oi, okI := sharedOrder[names[i]]
		oj, okJ := sharedOrder[names[j]]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return names[i] < names[j]
	})
}
