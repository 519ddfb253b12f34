// Package testreport joins `go test -json` output with the annotation
// blocks (TestPurpose, Scope, Security, Expected, Test Case ID) written
// above test functions.
package testreport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Statuses reported per test
const (
	StatusPass   = "pass"
	StatusFail   = "fail"
	StatusSkip   = "skip"
	StatusNotRun = "not run"
)

// Annotation is the metadata parsed from a test's doc comment
type Annotation struct {
	Name       string `json:"name"`
	Package    string `json:"package"`
	Category   string `json:"category"`
	Purpose    string `json:"purpose,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Security   string `json:"security,omitempty"`
	Expected   string `json:"expected,omitempty"`
	TestCaseID string `json:"test_case_id,omitempty"`
}

// Result is the merged outcome of one test
type Result struct {
	Name        string     `json:"name"`
	Package     string     `json:"package"`
	Status      string     `json:"status"`
	Elapsed     float64    `json:"elapsed_seconds"`
	Failure     string     `json:"failure_reason,omitempty"`
	Annotations Annotation `json:"annotations"`
}

// Summary holds totals and every result
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Results     []Result  `json:"results"`
}

type event struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

var categoryOrder = []string{
	"Token Store", "API Client", "Auth Session", "Onboarding", "Session Context",
	"Gateway", "CLI", "Platform", "Other",
}

// Category groups a package under a report heading by its directory
// below internal/
func Category(pkgPath string) string {
	_, rel, ok := strings.Cut(pkgPath, "/internal/")
	if !ok {
		return "Other"
	}
	switch first, _, _ := strings.Cut(rel, "/"); first {
	case "tokenstore", "store":
		return "Token Store"
	case "apiclient":
		return "API Client"
	case "auth", "tenant", "audit":
		return "Auth Session"
	case "onboarding":
		return "Onboarding"
	case "sessionctx":
		return "Session Context"
	case "transport":
		return "Gateway"
	case "cli":
		return "CLI"
	case "config", "app", "pubsub", "observability", "testreport":
		return "Platform"
	default:
		return "Other"
	}
}

// Scan parses every _test.go file under root. Keys are "pkgpath.TestName".
func Scan(root, modulePath string) (map[string]Annotation, error) {
	out := make(map[string]Annotation)
	fset := token.NewFileSet()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, "_test.go") {
			return nil
		}

		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil
		}
		pkg := packagePath(root, path, modulePath)

		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || !strings.HasPrefix(fn.Name.Name, "Test") {
				continue
			}
			a := Annotation{Name: fn.Name.Name, Package: pkg, Category: Category(pkg)}
			if fn.Doc != nil {
				parseDoc(fn.Doc, &a)
			}
			out[pkg+"."+fn.Name.Name] = a
		}
		return nil
	})
	return out, err
}

func parseDoc(doc *ast.CommentGroup, a *Annotation) {
	fields := map[string]*string{
		"TestPurpose:":  &a.Purpose,
		"Scope:":        &a.Scope,
		"Security:":     &a.Security,
		"Expected:":     &a.Expected,
		"Test Case ID:": &a.TestCaseID,
	}
	for _, c := range doc.List {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
		for prefix, dst := range fields {
			if v, ok := strings.CutPrefix(text, prefix); ok {
				*dst = strings.TrimSpace(v)
			}
		}
	}
}

func packagePath(root, file, modulePath string) string {
	rel, err := filepath.Rel(root, filepath.Dir(file))
	if err != nil || rel == "." {
		return modulePath
	}
	return modulePath + "/" + filepath.ToSlash(rel)
}

// Merge reads a `go test -json` stream. Annotated tests without events are
// reported as not run; subtests inherit their parent's annotation.
func Merge(r io.Reader, meta map[string]Annotation) ([]Result, error) {
	states := make(map[string]*Result, len(meta))
	for key, a := range meta {
		states[key] = &Result{Name: a.Name, Package: a.Package, Status: StatusNotRun, Annotations: a}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Test == "" {
			continue
		}

		key := ev.Package + "." + ev.Test
		res, ok := states[key]
		if !ok {
			a := Annotation{Name: ev.Test, Package: ev.Package, Category: Category(ev.Package)}
			if parent, _, found := strings.Cut(ev.Test, "/"); found {
				if pa, ok := meta[ev.Package+"."+parent]; ok {
					a = pa
					a.Name = ev.Test
				}
			}
			res = &Result{Name: ev.Test, Package: ev.Package, Annotations: a}
			states[key] = res
		}

		switch ev.Action {
		case "pass":
			res.Status, res.Elapsed = StatusPass, ev.Elapsed
		case "fail":
			res.Status, res.Elapsed = StatusFail, ev.Elapsed
		case "skip":
			res.Status = StatusSkip
		case "output":
			if res.Status == StatusFail || res.Status == "" {
				res.Failure += ev.Output
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read test events: %w", err)
	}

	list := make([]Result, 0, len(states))
	for _, v := range states {
		list = append(list, *v)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Package != list[j].Package {
			return list[i].Package < list[j].Package
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// Summarize counts results by status
func Summarize(results []Result, now time.Time) Summary {
	s := Summary{GeneratedAt: now, Results: results}
	for _, r := range results {
		s.Total++
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusSkip:
			s.Skipped++
		}
	}
	return s
}

// WriteMarkdown renders the summary grouped by category
func WriteMarkdown(w io.Writer, s Summary, title string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "**Generated:** %s  \n", s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	status := "PASSED"
	if s.Failed > 0 {
		status = "FAILED"
	}
	fmt.Fprintf(&sb, "**Status:** %s\n\n", status)

	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Passed) / float64(s.Total) * 100
	}
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Total | Passed | Failed | Skipped | Pass Rate |\n")
	sb.WriteString("|-------|--------|--------|---------|-----------|\n")
	fmt.Fprintf(&sb, "| %d | %d | %d | %d | %.1f%% |\n\n", s.Total, s.Passed, s.Failed, s.Skipped, rate)

	byCategory := make(map[string][]Result)
	for _, r := range s.Results {
		byCategory[r.Annotations.Category] = append(byCategory[r.Annotations.Category], r)
	}

	sb.WriteString("## Results by Category\n\n")
	for _, cat := range categoryOrder {
		tests := byCategory[cat]
		if len(tests) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n", cat)
		sb.WriteString("| ID | Test | Status | Purpose | Security |\n")
		sb.WriteString("|----|------|--------|---------|----------|\n")
		for _, t := range tests {
			security := t.Annotations.Security
			if security != "" {
				security = "**" + security + "**"
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
				t.Annotations.TestCaseID, t.Name, t.Status, t.Annotations.Purpose, security)
		}
		sb.WriteString("\n")
	}

	if s.Failed > 0 {
		sb.WriteString("## Failure Details\n\n")
		for _, t := range s.Results {
			if t.Status == StatusFail {
				fmt.Fprintf(&sb, "### %s (%s)\n```\n%s\n```\n\n", t.Name, t.Package, t.Failure)
			}
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
