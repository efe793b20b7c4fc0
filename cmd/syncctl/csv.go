package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ignite/crm-sync/internal/domain"
)

// headerAliases maps CSV column names to contact fields, so exports from
// common CRMs load without manual renaming.
var headerAliases = map[string][]string{
	"external_id": {"external_id", "externalid", "id", "contact_id", "customer_id"},
	"first_name":  {"first_name", "firstname", "first", "fname", "given_name"},
	"last_name":   {"last_name", "lastname", "last", "lname", "surname", "family_name"},
	"email":       {"email", "email_address", "e-mail", "mail"},
	"phone":       {"phone", "phone_number", "mobile", "cell", "telephone"},
	"address1":    {"address1", "address", "street", "address_line_1", "street_address"},
	"city":        {"city", "town"},
	"state":       {"state", "province", "region"},
	"postal_code": {"postal_code", "postalcode", "zip", "zip_code", "postcode"},
}

// loadContactsCSV reads a headered CSV into contact records. Unknown columns
// are ignored; rows shorter than the header are padded.
func loadContactsCSV(path string) ([]domain.ContactRecord, error) {
	if path == "" {
		return nil, fmt.Errorf("-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := mapHeader(header)
	if _, ok := cols["external_id"]; !ok {
		return nil, fmt.Errorf("CSV has no recognizable external_id column (headers: %s)",
			strings.Join(header, ", "))
	}

	var contacts []domain.ContactRecord
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", line, err)
		}
		get := func(field string) string {
			idx, ok := cols[field]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		contacts = append(contacts, domain.ContactRecord{
			ExternalID: get("external_id"),
			FirstName:  get("first_name"),
			LastName:   get("last_name"),
			Email:      get("email"),
			Phone:      get("phone"),
			Address1:   get("address1"),
			City:       get("city"),
			State:      get("state"),
			PostalCode: get("postal_code"),
		})
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("CSV %s has no data rows", path)
	}

	// Rows with no CRM key can never be upserted; drop them before they
	// reach validation.
	kept := domain.DropMissingExternalID(contacts)
	if dropped := len(contacts) - len(kept); dropped > 0 {
		fmt.Fprintf(os.Stderr, "syncctl: ignoring %d rows with no external_id\n", dropped)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("CSV %s has no rows with an external_id", path)
	}
	return kept, nil
}

func mapHeader(header []string) map[string]int {
	cols := make(map[string]int)
	for i, raw := range header {
		name := strings.ToLower(strings.TrimSpace(raw))
		name = strings.ReplaceAll(name, " ", "_")
		for field, aliases := range headerAliases {
			if _, taken := cols[field]; taken {
				continue
			}
			for _, alias := range aliases {
				if name == alias {
					cols[field] = i
					break
				}
			}
		}
	}
	return cols
}
