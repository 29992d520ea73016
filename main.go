// Package main provides the entry point for the pg_ingest CDC ingestion service.
package main

import (
	"fmt"
	"os"

	"github.com/pgflo/pg_ingest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
