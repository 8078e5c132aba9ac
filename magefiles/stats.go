//go:build mage

package main

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// componentStats is the Go line count for one package tree.
type componentStats struct {
	Component string `json:"component"`
	Files     int    `json:"files"`
	Prod      int    `json:"loc_prod"`
	Test      int    `json:"loc_test"`
	Tests     int    `json:"test_funcs"`
}

// Stats prints Go lines of code per component (cmd/*, internal/*, pkg/*)
// as JSON, split into production and test lines.
func Stats() error {
	byName := map[string]*componentStats{}
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != "." && skipStatsDir(path, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		name := componentOf(path)
		c, ok := byName[name]
		if !ok {
			c = &componentStats{Component: name}
			byName[name] = c
		}
		return c.add(path)
	})
	if err != nil {
		return err
	}

	report := struct {
		Components []componentStats `json:"components"`
		Prod       int              `json:"loc_prod"`
		Test       int              `json:"loc_test"`
	}{}
	for _, c := range byName {
		report.Components = append(report.Components, *c)
		report.Prod += c.Prod
		report.Test += c.Test
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Component < report.Components[j].Component
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func skipStatsDir(path, name string) bool {
	return path == binaryDir || name == "vendor" || name == "testdata" ||
		strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// componentOf maps a file to its component: the first two path elements
// under cmd, internal and pkg, otherwise the top-level directory.
func componentOf(path string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Dir(path)), "/")
	switch {
	case parts[0] == ".":
		return "root"
	case len(parts) >= 2 && (parts[0] == "cmd" || parts[0] == "internal" || parts[0] == "pkg"):
		return parts[0] + "/" + parts[1]
	default:
		return parts[0]
	}
}

func (c *componentStats) add(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	isTest := strings.HasSuffix(path, "_test.go")
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		if isTest && strings.HasPrefix(sc.Text(), "func Test") {
			c.Tests++
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	c.Files++
	if isTest {
		c.Test += lines
	} else {
		c.Prod += lines
	}
	return nil
}
