// Package main provides the horus CLI.
package main

import "github.com/mesh-intelligence/horus/internal/cli"

func main() {
	cli.Execute()
}
