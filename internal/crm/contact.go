package crm

import "strings"

// NotAvailable stands in for any contact field the vendor did not return.
const NotAvailable = "N/A"

// Contact is the vendor-neutral search result. ID is nil when the vendor
// returned a match without an identifier.
type Contact struct {
	ID           *string `json:"id"`
	FirstName    string  `json:"firstname"`
	LastName     string  `json:"lastname"`
	Email        string  `json:"email"`
	Company      string  `json:"company"`
	Owner        string  `json:"owner"`
	CRMDetailURL string  `json:"crm_detail_url"`
}

// orNA returns the trimmed value, or NotAvailable when it is empty.
func orNA(value string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return NotAvailable
}

// ptrOrNA dereferences a nullable vendor field.
func ptrOrNA(value *string) string {
	if value == nil {
		return NotAvailable
	}
	return orNA(*value)
}

// optionalID returns nil for a missing or blank identifier.
func optionalID(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	id := strings.TrimSpace(*value)
	return &id
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
