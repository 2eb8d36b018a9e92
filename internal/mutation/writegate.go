package mutation

import "strings"

// UnscopedWriteError marks a write that would touch a classified table
// without a tenant/company predicate. It is a defect, not a recoverable
// condition: the structural verifier keeps the code paths that would raise
// it from ever being merged.
type UnscopedWriteError struct {
	Table  string
	Reason string
}

func (e *UnscopedWriteError) Error() string {
	return "unscoped write to " + e.Table + ": " + e.Reason
}

// EnforceWriteCompanyScope must be called by every data-access method that
// writes a registry-classified table, before the statement executes. It
// asserts the table is classified and the write predicate carries both the
// tenant and the company identifier.
func EnforceWriteCompanyScope(table string, tenantID string, companyID string) error {
	table = strings.TrimSpace(table)
	if !IsClassifiedTable(table) {
		return &UnscopedWriteError{Table: table, Reason: "table not in mutation registry"}
	}
	if strings.TrimSpace(tenantID) == "" {
		return ForbidUnscopedWrite(table)
	}
	if strings.TrimSpace(companyID) == "" {
		return ForbidUnscopedWrite(table)
	}
	return nil
}

// ForbidUnscopedWrite is the terminal arm of the write gate: reaching it
// means the write predicate lost its tenant scoping.
func ForbidUnscopedWrite(table string) error {
	return &UnscopedWriteError{Table: table, Reason: "write predicate missing tenant/company scope"}
}
