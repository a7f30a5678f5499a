package store

import (
	"context"
	"encoding/csv"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// csvColumns maps normalized header names to provider fields.
var csvColumns = map[string]func(*model.Provider, string){
	"id":         func(p *model.Provider, v string) { p.ID = v },
	"npi":        func(p *model.Provider, v string) { p.NPI = v },
	"first_name": func(p *model.Provider, v string) { p.FirstName = v },
	"last_name":  func(p *model.Provider, v string) { p.LastName = v },
	"specialty":  func(p *model.Provider, v string) { p.Specialty = v },
	"state":      func(p *model.Provider, v string) { p.State = v },
	"address":    func(p *model.Provider, v string) { p.Address = v },
	"phone":      func(p *model.Provider, v string) { p.Phone = v },
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}

// ImportProviderCSV reads a provider roster CSV and bulk-inserts it through
// the store. Rows are mapped by header name, deduplicated by NPI, and rows
// without an NPI are skipped. Missing IDs are generated. Returns the number
// of providers inserted.
func ImportProviderCSV(ctx context.Context, st Store, csvPath string) (int64, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, eris.Wrapf(err, "store: open csv %s", csvPath)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return 0, eris.Wrap(err, "store: read csv")
	}

	if len(records) < 2 {
		return 0, nil // header only or empty
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = normalizeHeader(h)
	}
	if !containsHeader(headers, "npi") {
		return 0, eris.New("store: csv has no npi column")
	}

	seen := make(map[string]struct{})
	var providers []model.Provider

	for _, row := range records[1:] {
		if ctx.Err() != nil {
			return 0, eris.Wrap(ctx.Err(), "store: import csv cancelled")
		}

		var p model.Provider
		for i, h := range headers {
			if i >= len(row) {
				break
			}
			if set, ok := csvColumns[h]; ok {
				set(&p, strings.TrimSpace(row[i]))
			}
		}

		if p.NPI == "" {
			continue
		}
		if _, dup := seen[p.NPI]; dup {
			continue
		}
		seen[p.NPI] = struct{}{}

		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return 0, nil
	}

	return st.ImportProviders(ctx, providers)
}

func containsHeader(headers []string, want string) bool {
	for _, h := range headers {
		if h == want {
			return true
		}
	}
	return false
}
