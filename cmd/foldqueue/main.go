// Package main is the entrypoint for the foldqueue command.
package main

import "github.com/kiranshivaraju/foldqueue/internal/cli"

func main() {
	cli.Execute()
}
