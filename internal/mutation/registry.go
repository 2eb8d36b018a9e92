package mutation

import (
	"errors"
	"sort"
	"strings"
)

type RiskTier string

const (
	TierFinancial RiskTier = "financial"
	TierHighRisk  RiskTier = "high_risk"
)

type IdempotencyStrategy string

const (
	StrategyNaturalKey IdempotencyStrategy = "natural_key"
	StrategyNone       IdempotencyStrategy = "none"
)

// Entry classifies one sensitive operation. The registry is defined once at
// process start and never mutated; every table a classified operation writes
// must be listed in Tables, and each table's unique constraint on
// (tenant_id, mutation_key) must follow the *_mutation_key_unique naming
// convention the engine relies on.
type Entry struct {
	Operation          string
	Tier               RiskTier
	Tables             []string
	RequiresGuardChain bool
	Strategy           IdempotencyStrategy
}

var entries = []Entry{
	{
		Operation:          "invoicing.invoice_create",
		Tier:               TierFinancial,
		Tables:             []string{"invoicing.invoices"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
	{
		Operation:          "invoicing.invoice_finalize",
		Tier:               TierFinancial,
		Tables:             []string{"invoicing.invoices", "ledger.journal_entries"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
	{
		Operation:          "invoicing.payment_record",
		Tier:               TierFinancial,
		Tables:             []string{"invoicing.payments", "ledger.journal_entries"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
	{
		Operation:          "ledger.entry_post",
		Tier:               TierFinancial,
		Tables:             []string{"ledger.journal_entries"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
	{
		Operation:          "payroll.run_create",
		Tier:               TierFinancial,
		Tables:             []string{"payroll.payroll_runs"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
	{
		Operation:          "payroll.run_finalize",
		Tier:               TierHighRisk,
		Tables:             []string{"payroll.payroll_runs", "payroll.payslips", "ledger.journal_entries"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
	{
		Operation:          "tax.filing_submit",
		Tier:               TierHighRisk,
		Tables:             []string{"tax.filings", "ledger.journal_entries"},
		RequiresGuardChain: true,
		Strategy:           StrategyNaturalKey,
	},
}

var entryByOperation = buildEntryIndex(entries)
var classifiedTables = buildTableIndex(entries)

func buildEntryIndex(list []Entry) map[string]Entry {
	index := make(map[string]Entry, len(list))
	for _, e := range list {
		index[e.Operation] = e
	}
	return index
}

func buildTableIndex(list []Entry) map[string]bool {
	index := make(map[string]bool)
	for _, e := range list {
		for _, t := range e.Tables {
			index[t] = true
		}
	}
	return index
}

// Lookup returns a copy of the registry entry for operation.
func Lookup(operation string) (Entry, bool) {
	e, ok := entryByOperation[strings.TrimSpace(operation)]
	if !ok {
		return Entry{}, false
	}
	e.Tables = append([]string(nil), e.Tables...)
	return e, true
}

func Operations() []string {
	out := make([]string, 0, len(entryByOperation))
	for op := range entryByOperation {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func ClassifiedTables() []string {
	out := make([]string, 0, len(classifiedTables))
	for t := range classifiedTables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func IsClassifiedTable(table string) bool {
	return classifiedTables[strings.TrimSpace(table)]
}

// Validate checks the registry invariants. Called from handler construction
// so a malformed registry refuses to serve, and from tests.
func Validate() error {
	if len(entries) == 0 {
		return errors.New("mutation: registry is empty")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Operation) == "" {
			return errors.New("mutation: entry with empty operation")
		}
		if seen[e.Operation] {
			return errors.New("mutation: duplicate operation " + e.Operation)
		}
		seen[e.Operation] = true

		switch e.Tier {
		case TierFinancial, TierHighRisk:
		default:
			return errors.New("mutation: unknown tier for " + e.Operation)
		}
		switch e.Strategy {
		case StrategyNaturalKey, StrategyNone:
		default:
			return errors.New("mutation: unknown strategy for " + e.Operation)
		}

		if len(e.Tables) == 0 {
			return errors.New("mutation: empty table set for " + e.Operation)
		}
		for _, t := range e.Tables {
			schema, name, ok := strings.Cut(t, ".")
			if !ok || schema == "" || name == "" {
				return errors.New("mutation: table not schema-qualified: " + t)
			}
		}
	}
	return nil
}
