// Package planning provides the built-in role handlers. Each handler renders
// a deterministic planning document from its task input, the job truth record,
// and the outputs of its dependency tasks: the same inputs always produce the
// same bytes, so content-addressed artifact hashes are reproducible across
// retries and job restarts.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cadre-dev/cadre/internal/worker"
	"github.com/cadre-dev/cadre/pkg/board"
)

// taskInput mirrors the JSON payload the orchestrator puts on each task.
type taskInput struct {
	Requirements string `json:"requirements"`
	Stage        string `json:"stage"`
	Feedback     string `json:"feedback,omitempty"`
	Round        int    `json:"round,omitempty"`
}

func decodeInput(task *board.Task) (taskInput, error) {
	var in taskInput
	if err := json.Unmarshal([]byte(task.Input), &in); err != nil {
		return in, fmt.Errorf("invalid task input: %w", err)
	}
	return in, nil
}

// depRef is one resolved dependency output, usable in rendered documents.
type depRef struct {
	ArtifactType string
	ArtifactHash string
}

// decodeDeps extracts the artifact references from dependency task outputs,
// sorted by artifact type so rendering order is stable.
func decodeDeps(req *worker.Request) ([]depRef, error) {
	deps := make([]depRef, 0, len(req.Inputs))
	for taskID, raw := range req.Inputs {
		var out worker.Output
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("dependency %s has malformed output: %w", taskID, err)
		}
		deps = append(deps, depRef{ArtifactType: out.ArtifactType, ArtifactHash: out.ArtifactHash})
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].ArtifactType != deps[j].ArtifactType {
			return deps[i].ArtifactType < deps[j].ArtifactType
		}
		return deps[i].ArtifactHash < deps[j].ArtifactHash
	})
	return deps, nil
}

// header renders the shared document preamble. The truth record pins every
// post-approval document to the exact approved PRD.
func header(title string, req *worker.Request, in taskInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "job: %s\n", req.Task.JobID)
	fmt.Fprintf(&b, "stage: %s\n", in.Stage)
	if req.Truth != nil {
		fmt.Fprintf(&b, "approved_prd: %s\n", req.Truth.PRDHash)
		fmt.Fprintf(&b, "requirements_hash: %s\n", req.Truth.RequirementsHash)
	}
	b.WriteString("\n")
	return b.String()
}

func sourcesSection(deps []depRef) string {
	if len(deps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for _, d := range deps {
		fmt.Fprintf(&b, "- %s: %s\n", d.ArtifactType, d.ArtifactHash)
	}
	b.WriteString("\n")
	return b.String()
}

// PRDHandler renders the product requirements document. On request-changes
// rounds the reviewer feedback is folded into a revision section, so each
// round produces distinct content and a distinct artifact hash.
type PRDHandler struct{}

func (h *PRDHandler) Role() string { return "prd" }

func (h *PRDHandler) Execute(ctx context.Context, req *worker.Request) (*worker.Result, error) {
	in, err := decodeInput(req.Task)
	if err != nil {
		return nil, err
	}
	if in.Requirements == "" {
		return nil, fmt.Errorf("requirements are empty")
	}

	var b strings.Builder
	b.WriteString(header("Product Requirements", req, in))
	fmt.Fprintf(&b, "revision: %d\n\n", in.Round)
	b.WriteString("## Requirements\n\n")
	b.WriteString(in.Requirements)
	b.WriteString("\n")
	if in.Feedback != "" {
		b.WriteString("\n## Revision Notes\n\n")
		fmt.Fprintf(&b, "Incorporates reviewer feedback from round %d:\n\n", in.Round)
		b.WriteString(in.Feedback)
		b.WriteString("\n")
	}
	return &worker.Result{Type: board.ArtifactTypePRD, Content: b.String()}, nil
}

// FeatureTreeHandler decomposes the PRD into features and consults the module
// catalog to mark each one reuse or new-module.
type FeatureTreeHandler struct{}

func (h *FeatureTreeHandler) Role() string { return "feature_tree" }

func (h *FeatureTreeHandler) Execute(ctx context.Context, req *worker.Request) (*worker.Result, error) {
	in, err := decodeInput(req.Task)
	if err != nil {
		return nil, err
	}
	deps, err := decodeDeps(req)
	if err != nil {
		return nil, err
	}

	var entries []*board.CatalogEntry
	if req.Catalog != nil {
		entries, err = req.Catalog.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("catalog read: %w", err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	var b strings.Builder
	b.WriteString(header("Feature Tree", req, in))
	b.WriteString(sourcesSection(deps))

	b.WriteString("## Reusable Modules\n\n")
	if len(entries) == 0 {
		b.WriteString("No catalog modules available; all features are new-module.\n")
	}
	for _, e := range entries {
		caps := append([]string(nil), e.Capabilities...)
		sort.Strings(caps)
		fmt.Fprintf(&b, "- %s (%s %s): %s\n", e.Name, e.ID, e.Version, strings.Join(caps, ", "))
	}
	b.WriteString("\n## Features\n\n")
	b.WriteString(featureList(in.Requirements, entries))
	return &worker.Result{Type: board.ArtifactTypeFeatureTree, Content: b.String()}, nil
}

// featureList derives one feature per requirement line and matches it against
// catalog capabilities. Matching is plain substring: a catalog capability
// mentioned in the requirement marks the feature as reuse.
func featureList(requirements string, entries []*board.CatalogEntry) string {
	var b strings.Builder
	n := 0
	for _, line := range strings.Split(requirements, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* \t"))
		if line == "" {
			continue
		}
		n++
		reuse := ""
		for _, e := range entries {
			for _, capability := range e.Capabilities {
				if capability != "" && strings.Contains(strings.ToLower(line), strings.ToLower(capability)) {
					reuse = e.ID
					break
				}
			}
			if reuse != "" {
				break
			}
		}
		if reuse != "" {
			fmt.Fprintf(&b, "%d. %s [reuse: %s]\n", n, line, reuse)
		} else {
			fmt.Fprintf(&b, "%d. %s [new-module]\n", n, line)
		}
	}
	if n == 0 {
		b.WriteString("1. (unstructured requirements) [new-module]\n")
	}
	return b.String()
}

// docHandler covers the stages whose output is a templated document over the
// truth record and upstream artifacts.
type docHandler struct {
	role     string
	title    string
	artifact board.ArtifactType
	sections []string
}

func (h *docHandler) Role() string { return h.role }

func (h *docHandler) Execute(ctx context.Context, req *worker.Request) (*worker.Result, error) {
	in, err := decodeInput(req.Task)
	if err != nil {
		return nil, err
	}
	deps, err := decodeDeps(req)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(header(h.title, req, in))
	b.WriteString(sourcesSection(deps))
	for _, s := range h.sections {
		fmt.Fprintf(&b, "## %s\n\n", s)
		fmt.Fprintf(&b, "Derived from the approved requirements and %d upstream document(s).\n\n", len(deps))
	}
	return &worker.Result{Type: h.artifact, Content: b.String()}, nil
}

// Handlers returns one handler per built-in role.
func Handlers() []worker.Handler {
	return []worker.Handler{
		&PRDHandler{},
		&FeatureTreeHandler{},
		&docHandler{role: "plan", title: "Delivery Plan", artifact: board.ArtifactTypePlan,
			sections: []string{"Milestones", "Sequencing", "Risks"}},
		&docHandler{role: "architecture", title: "Architecture", artifact: board.ArtifactTypeArchitecture,
			sections: []string{"Components", "Data Flow", "Interfaces"}},
		&docHandler{role: "uiux", title: "UI/UX Specification", artifact: board.ArtifactTypeUIUX,
			sections: []string{"Screens", "Flows", "Accessibility"}},
		&docHandler{role: "development", title: "Development Breakdown", artifact: board.ArtifactTypeDevelopment,
			sections: []string{"Work Items", "Estimates", "Dependencies"}},
		&docHandler{role: "qa", title: "QA Review", artifact: board.ArtifactTypeQA,
			sections: []string{"Test Strategy", "Coverage Gaps"}},
		&docHandler{role: "security", title: "Security Review", artifact: board.ArtifactTypeSecurity,
			sections: []string{"Threat Model", "Findings"}},
		&docHandler{role: "documentation", title: "Documentation Plan", artifact: board.ArtifactTypeDocumentation,
			sections: []string{"Audiences", "Deliverables"}},
		&docHandler{role: "support", title: "Support Readiness", artifact: board.ArtifactTypeSupport,
			sections: []string{"Runbooks", "Escalation Paths"}},
		&docHandler{role: "pm_review", title: "PM Review", artifact: board.ArtifactTypePMReview,
			sections: []string{"Review Summary", "Sign-off"}},
		&docHandler{role: "delivery", title: "Delivery Package", artifact: board.ArtifactTypeDelivery,
			sections: []string{"Contents", "Handoff Notes"}},
	}
}

// RegisterAll registers every built-in handler on the registry.
func RegisterAll(reg *worker.Registry) error {
	for _, h := range Handlers() {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
