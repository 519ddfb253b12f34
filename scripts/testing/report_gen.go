// Command report_gen turns `go test -json` output into JSON and Markdown
// reports annotated with each test's purpose and case id.
//
//	go test -json ./... > test.json
//	go run ./scripts/testing -input test.json -out-json report.json -out-md report.md
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opentrusty/tenantsession/internal/testreport"
)

func main() {
	input := flag.String("input", "", "path to go test -json output")
	outJSON := flag.String("out-json", "", "path for the JSON report")
	outMD := flag.String("out-md", "", "path for the Markdown report")
	title := flag.String("title", "Tenant Session Test Report", "report title")
	module := flag.String("module", "github.com/opentrusty/tenantsession", "module path of the scanned tree")
	flag.Parse()

	if *input == "" || *outJSON == "" || *outMD == "" {
		fmt.Fprintln(os.Stderr, "usage: report_gen -input <json> -out-json <file> -out-md <file>")
		os.Exit(2)
	}

	summary, err := build(*input, *module)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report_gen: %v\n", err)
		os.Exit(1)
	}
	if err := write(summary, *outJSON, *outMD, *title); err != nil {
		fmt.Fprintf(os.Stderr, "report_gen: %v\n", err)
		os.Exit(1)
	}

	// non-zero exit keeps CI gates honest
	if summary.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d tests failed\n", summary.Failed)
		os.Exit(1)
	}
}

func build(input, module string) (testreport.Summary, error) {
	meta, err := testreport.Scan(".", module)
	if err != nil {
		return testreport.Summary{}, fmt.Errorf("scan annotations: %w", err)
	}
	f, err := os.Open(input)
	if err != nil {
		return testreport.Summary{}, err
	}
	defer f.Close()

	results, err := testreport.Merge(f, meta)
	if err != nil {
		return testreport.Summary{}, err
	}
	return testreport.Summarize(results, time.Now()), nil
}

func write(s testreport.Summary, jsonPath, mdPath, title string) error {
	for _, p := range []string{jsonPath, mdPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return err
	}

	f, err := os.Create(mdPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return testreport.WriteMarkdown(f, s, title)
}
