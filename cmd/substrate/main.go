// Package main is the entry point for the substrate CLI.
package main

import (
	"context"
	"os"

	"github.com/johnplanow/substrate-sub006/internal/cli"
)

func main() {
	os.Exit(cli.New().Execute(context.Background(), os.Args[1:]))
}
