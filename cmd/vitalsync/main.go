// Package main is the entry point for the vitalsync health metric sync engine.
package main

import (
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/vitalsync/cmd/vitalsync/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
