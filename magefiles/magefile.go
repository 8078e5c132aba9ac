//go:build mage

// Package main provides build targets for the horus project using Mage.
//
// Usage:
//
//	mage build           Compile horus binary to bin/
//	mage test:all        Run all tests
//	mage test:race       Run all tests with the race detector
//	mage test:cover      Write a coverage profile to bin/
//	mage lint            Run golangci-lint
//	mage clean           Remove build artifacts
//	mage install         Install horus to GOPATH/bin
//	mage devRemote FILE  Serve an in-memory remote for the schema in FILE
//	mage stats           Print Go LOC per component as JSON
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binLint    = "golangci-lint"
	binaryName = "horus"
	binaryDir  = "bin"
	cmdDir     = "./cmd/horus"
)

// Build compiles the horus binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV(binLint, "run", "./...")
}

// DevRemote builds the binary and serves an in-memory remote for schema.
func DevRemote(schema string) error {
	mg.Deps(Build)
	return sh.RunV(filepath.Join(binaryDir, binaryName), "dev-remote", "--schema", schema)
}

// Test groups test targets.
type Test mg.Namespace

// All runs every package's tests.
func (Test) All() error {
	return sh.RunV(binGo, "test", "./...")
}

// Race runs every package's tests with the race detector. The client and
// the dispenser run background goroutines.
func (Test) Race() error {
	return sh.RunV(binGo, "test", "-race", "./...")
}

// Cover writes a coverage profile to bin/coverage.out and prints the total.
func (Test) Cover() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	profile := filepath.Join(binaryDir, "coverage.out")
	if err := sh.RunV(binGo, "test", "-coverprofile", profile, "./..."); err != nil {
		return err
	}
	return sh.RunV(binGo, "tool", "cover", "-func", profile)
}
