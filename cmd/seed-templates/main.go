// seed-templates loads the vendor reference-template catalog from a JSON
// file. Each entry maps a normalized distributor+vendor name pair to its
// column→field assignments; tenant templates are auto-created from these on
// first import.
//
// Catalog format:
//
//	[
//	  {
//	    "distributor": "TD Synnex",
//	    "vendor": "RingCentral",
//	    "name": "TD Synnex / RingCentral standard",
//	    "field_columns": {"usage": "Net Billed", "commission": "Comp Paid", ...}
//	  }
//	]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/models"
)

type catalogEntry struct {
	Distributor  string            `json:"distributor"`
	Vendor       string            `json:"vendor"`
	Name         string            `json:"name"`
	FieldColumns map[string]string `json:"field_columns"`
}

func main() {
	catalogPath := flag.String("catalog", "reference_templates.json", "Path to the catalog JSON file")
	flag.Parse()

	raw, err := os.ReadFile(*catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read catalog: %v\n", err)
		os.Exit(1)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		fmt.Fprintf(os.Stderr, "catalog is not valid JSON: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "catalog is empty")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	loaded := 0
	for _, entry := range entries {
		if entry.Distributor == "" || entry.Vendor == "" || len(entry.FieldColumns) == 0 {
			fmt.Fprintf(os.Stderr, "skipping malformed entry %q/%q\n", entry.Distributor, entry.Vendor)
			continue
		}
		if _, err := models.UpsertReferenceTemplate(ctx, entry.Distributor, entry.Vendor, entry.Name, entry.FieldColumns); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %q/%q: %v\n", entry.Distributor, entry.Vendor, err)
			os.Exit(1)
		}
		loaded++
	}
	fmt.Printf("loaded %d reference template(s)\n", loaded)
}
