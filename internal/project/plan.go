package project

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/codeloom/codeloom/pkg/models"
)

// plannedFile is one entry in the planner's JSON answer.
type plannedFile struct {
	Path      string   `json:"path"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type planPayload struct {
	Files []plannedFile `json:"files"`
}

// parsePlan extracts the file plan from a planner response. Models often wrap
// the JSON in prose or a fenced code block, so the parser scans for the first
// decodable object rather than requiring a bare payload.
func parsePlan(text string) ([]plannedFile, error) {
	candidates := []string{text}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}

	for _, c := range candidates {
		var payload planPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(c)), &payload); err == nil && len(payload.Files) > 0 {
			return normalizePlan(payload.Files)
		}
	}
	return nil, fmt.Errorf("no file plan found in planner response")
}

// normalizePlan cleans paths, drops duplicates, and validates dependency
// references.
func normalizePlan(files []plannedFile) ([]plannedFile, error) {
	seen := make(map[string]bool, len(files))
	out := make([]plannedFile, 0, len(files))
	for _, f := range files {
		p := path.Clean(strings.TrimPrefix(strings.TrimSpace(f.Path), "/"))
		if p == "" || p == "." || seen[p] {
			continue
		}
		seen[p] = true
		deps := make([]string, 0, len(f.DependsOn))
		for _, d := range f.DependsOn {
			deps = append(deps, path.Clean(strings.TrimPrefix(strings.TrimSpace(d), "/")))
		}
		out = append(out, plannedFile{Path: p, DependsOn: deps})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("plan contains no files")
	}
	for _, f := range out {
		for _, d := range f.DependsOn {
			if !seen[d] {
				return nil, fmt.Errorf("file %s depends on unplanned file %s", f.Path, d)
			}
		}
	}
	return out, nil
}

// checkCycles runs Kahn's algorithm over the declared dependencies. Any
// leftover nodes form at least one cycle, which is a fatal planning error.
func checkCycles(files []plannedFile) error {
	indegree := make(map[string]int, len(files))
	dependents := make(map[string][]string, len(files))
	for _, f := range files {
		indegree[f.Path] += 0
		for _, d := range f.DependsOn {
			indegree[f.Path]++
			dependents[d] = append(dependents[d], f.Path)
		}
	}

	queue := make([]string, 0, len(files))
	for p, deg := range indegree {
		if deg == 0 {
			queue = append(queue, p)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		resolved++
		for _, dep := range dependents[p] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if resolved != len(files) {
		var cycle []string
		for p, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, p)
			}
		}
		sort.Strings(cycle)
		return &ErrCyclicDependency{Cycle: cycle}
	}
	return nil
}

// buildTree converts a validated plan into a FileNode tree rooted at "".
// Directories are created implicitly from file paths; every leaf file starts
// in planned status.
func buildTree(files []plannedFile) *models.FileNode {
	root := &models.FileNode{Path: "", Kind: models.FileKindDirectory}
	dirs := map[string]*models.FileNode{"": root}

	ensureDir := func(p string) *models.FileNode {
		if n, ok := dirs[p]; ok {
			return n
		}
		// Create parents first.
		parts := strings.Split(p, "/")
		cur := root
		full := ""
		for _, part := range parts {
			if full == "" {
				full = part
			} else {
				full = full + "/" + part
			}
			n, ok := dirs[full]
			if !ok {
				n = &models.FileNode{Path: full, Kind: models.FileKindDirectory}
				cur.Children = append(cur.Children, n)
				dirs[full] = n
			}
			cur = n
		}
		return cur
	}

	// Deterministic tree layout regardless of planner ordering.
	sorted := append([]plannedFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, f := range sorted {
		dir := root
		if parent := path.Dir(f.Path); parent != "." {
			dir = ensureDir(parent)
		}
		dir.Children = append(dir.Children, &models.FileNode{
			Path:      f.Path,
			Kind:      models.FileKindFile,
			Status:    models.FileStatusPlanned,
			DependsOn: append([]string(nil), f.DependsOn...),
		})
	}
	return root
}
