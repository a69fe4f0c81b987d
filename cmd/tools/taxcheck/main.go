package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/noah-isme/backend-pos/internal/pricing"
)

// taxcheck validates a YAML tax table and prints the effective rates.
// Exit code 0 = ok, 1 = the requested jurisdiction is missing, 2 = unreadable or invalid table.
func main() {
	var (
		jurisdiction = flag.String("jurisdiction", "", "fail unless this jurisdiction is configured")
		category     = flag.String("category", "", "print the effective rate of this category")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taxcheck [-jurisdiction IN] [-category food] tax_table.yaml")
		os.Exit(2)
	}

	table, err := pricing.LoadTable(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "taxcheck error: %v\n", err)
		os.Exit(2)
	}
	if err := report(os.Stdout, table, *jurisdiction, *category); err != nil {
		fmt.Fprintf(os.Stderr, "taxcheck: %v\n", err)
		os.Exit(1)
	}
}

var errMissingJurisdiction = errors.New("jurisdiction not configured")

func report(w io.Writer, table pricing.Table, jurisdiction, category string) error {
	fmt.Fprintf(w, "default: %s%%\n", table.Default)
	for _, name := range table.Names() {
		j := table.Jurisdictions[name]
		if j.Flat != nil {
			fmt.Fprintf(w, "%s: flat %s%%\n", name, *j.Flat)
			continue
		}
		fmt.Fprintf(w, "%s: default %s%%\n", name, j.Default)
		cats := make([]string, 0, len(j.Categories))
		for c := range j.Categories {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		for _, c := range cats {
			fmt.Fprintf(w, "  %s: %s%%\n", c, j.Categories[c])
		}
	}

	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))
	if jurisdiction == "" {
		return nil
	}
	if _, ok := table.Jurisdictions[jurisdiction]; !ok {
		return fmt.Errorf("%s: %w", jurisdiction, errMissingJurisdiction)
	}
	if category != "" {
		fmt.Fprintf(w, "rate %s/%s: %s%%\n", jurisdiction, strings.TrimSpace(category), table.Rate(jurisdiction, category))
	}
	return nil
}
