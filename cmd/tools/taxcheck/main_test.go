package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/pricing"
)

func TestReportListsRates(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, report(&out, pricing.DefaultTable(), "in", "Food"))

	text := out.String()
	require.Contains(t, text, "default: 18%")
	require.Contains(t, text, "AE: flat 5%")
	require.Contains(t, text, "  food: 5%")
	require.Contains(t, text, "rate IN/Food: 5%")
}

func TestReportMissingJurisdiction(t *testing.T) {
	var out bytes.Buffer
	err := report(&out, pricing.DefaultTable(), "US", "")
	require.ErrorIs(t, err, errMissingJurisdiction)
}

func TestShippedTableIsValid(t *testing.T) {
	table, err := pricing.LoadTable("../../../config/tax_table.yaml")
	require.NoError(t, err)
	require.Contains(t, table.Names(), "IN")
}
