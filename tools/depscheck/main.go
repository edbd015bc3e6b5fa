// Command depscheck fails when a domain package imports the transport layer.
// The engine packages must stay usable without sockets or the hub.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

var domainPackages = []string{
	"./internal/geometry/...",
	"./internal/fog/...",
	"./internal/assets/...",
	"./internal/scene/...",
	"./internal/compose/...",
	"./internal/tools/...",
	"./internal/journal/...",
	"./internal/session/...",
}

var forbiddenPrefixes = []string{
	"dndemicube/server/internal/net",
	"dndemicube/server/internal/mirror",
	"dndemicube/server/internal/app",
	"github.com/gorilla/",
}

func main() {
	args := append([]string{"list", "-json"}, domainPackages...)
	cmd := exec.Command("go", args...)
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := findViolations(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

// findViolations reads a stream of `go list -json` objects.
func findViolations(r io.Reader) ([]string, error) {
	decoder := json.NewDecoder(r)
	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		for _, imp := range pkg.Imports {
			if imp == "dndemicube/server" || hasForbiddenPrefix(imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func hasForbiddenPrefix(imp string) bool {
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(imp, prefix) {
			return true
		}
	}
	return false
}
