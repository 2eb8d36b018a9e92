package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// Plan rules are CEL boolean expressions over two maps:
//
//	usage:  current tenant counters (invoices_this_month, payroll_runs_this_month, ...)
//	limits: the plan's configured ceilings
//
// A rule that evaluates to false blocks the operation with plan_limit_exceeded.
type PlanRule struct {
	Operation string `yaml:"operation"`
	Limit     string `yaml:"limit"`
	Expr      string `yaml:"expr"`
}

type Plan struct {
	Key    string           `yaml:"key"`
	Name   string           `yaml:"name"`
	Limits map[string]int64 `yaml:"limits"`
	Rules  []PlanRule       `yaml:"rules"`
}

type plansFile struct {
	Version int    `yaml:"version"`
	Plans   []Plan `yaml:"plans"`
}

var newPlanCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("usage", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("limits", cel.MapType(cel.StringType, cel.IntType)),
	)
}

var newPlanCELProgram = func(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(ast)
}

var planRuleProgramCache sync.Map

// UsageStore reports per-tenant consumption counters for plan enforcement.
type UsageStore interface {
	Counts(ctx context.Context, tenantID string) (map[string]int64, error)
}

// usageCounters is the closed set of counter names plan rules may index.
// Absent counters read as zero so a fresh tenant is never blocked by a
// missing-key evaluation error.
var usageCounters = []string{
	"invoices_this_month",
	"payments_this_month",
	"journal_entries_this_month",
	"payroll_runs_this_month",
	"filings_this_month",
}

type memoryUsageStore struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func newMemoryUsageStore() *memoryUsageStore {
	return &memoryUsageStore{counts: map[string]map[string]int64{}}
}

func (s *memoryUsageStore) Bump(tenantID string, counter string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.counts[tenantID]
	if !ok {
		m = map[string]int64{}
		s.counts[tenantID] = m
	}
	m[counter] += delta
}

func (s *memoryUsageStore) Counts(_ context.Context, tenantID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]int64{}
	for k, v := range s.counts[tenantID] {
		out[k] = v
	}
	return out, nil
}

type pgUsageStore struct {
	pool *pgxpool.Pool
}

func newUsageStore(pool *pgxpool.Pool) UsageStore {
	if pool == nil {
		return newMemoryUsageStore()
	}
	return &pgUsageStore{pool: pool}
}

func (s *pgUsageStore) Counts(ctx context.Context, tenantID string) (map[string]int64, error) {
	out := map[string]int64{}
	err := s.pool.QueryRow(ctx, `
SELECT
  (SELECT count(*) FROM invoicing.invoices i WHERE i.tenant_id = $1 AND i.created_at >= date_trunc('month', now())),
  (SELECT count(*) FROM invoicing.payments p WHERE p.tenant_id = $1 AND p.created_at >= date_trunc('month', now())),
  (SELECT count(*) FROM ledger.journal_entries e WHERE e.tenant_id = $1 AND e.created_at >= date_trunc('month', now())),
  (SELECT count(*) FROM payroll.payroll_runs r WHERE r.tenant_id = $1 AND r.created_at >= date_trunc('month', now())),
  (SELECT count(*) FROM tax.filings f WHERE f.tenant_id = $1 AND f.submitted_at >= date_trunc('month', now()));
`, tenantID).Scan(
		counter(out, "invoices_this_month"),
		counter(out, "payments_this_month"),
		counter(out, "journal_entries_this_month"),
		counter(out, "payroll_runs_this_month"),
		counter(out, "filings_this_month"),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type counterTarget struct {
	m    map[string]int64
	name string
}

func (t counterTarget) Scan(src any) error {
	if n, ok := src.(int64); ok {
		t.m[t.name] = n
	}
	return nil
}

func counter(m map[string]int64, name string) counterTarget {
	return counterTarget{m: m, name: name}
}

type planLimiter struct {
	plans map[string]Plan
	usage UsageStore
}

func newPlanLimiter(plans []Plan, usage UsageStore) *planLimiter {
	byKey := make(map[string]Plan, len(plans))
	for _, p := range plans {
		byKey[p.Key] = p
	}
	return &planLimiter{plans: byKey, usage: usage}
}

type planDecision struct {
	Allowed bool
	Limit   string
}

// Check evaluates every rule of the tenant's plan that names the operation.
// Unknown plan keys fail closed.
func (l *planLimiter) Check(ctx context.Context, tenantID string, planKey string, operation string) (planDecision, error) {
	plan, ok := l.plans[planKey]
	if !ok {
		return planDecision{}, fmt.Errorf("server: unknown plan %q", planKey)
	}

	var usage map[string]int64
	for _, rule := range plan.Rules {
		if rule.Operation != operation {
			continue
		}
		if usage == nil {
			counts, err := l.usage.Counts(ctx, tenantID)
			if err != nil {
				return planDecision{}, err
			}
			usage = make(map[string]int64, len(usageCounters))
			for _, counter := range usageCounters {
				usage[counter] = counts[counter]
			}
		}
		allowed, err := evalPlanRuleExpr(rule.Expr, usage, plan.Limits)
		if err != nil {
			return planDecision{}, err
		}
		if !allowed {
			return planDecision{Allowed: false, Limit: rule.Limit}, nil
		}
	}
	return planDecision{Allowed: true}, nil
}

func evalPlanRuleExpr(expr string, usage map[string]int64, limits map[string]int64) (bool, error) {
	program, err := loadOrCompilePlanRule(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"usage": usage, "limits": limits})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("server: plan rule did not yield bool")
	}
	return v, nil
}

func loadOrCompilePlanRule(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("server: plan rule expression required")
	}
	if cached, ok := planRuleProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newPlanCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("server: plan rule expression must be bool")
	}
	program, err := newPlanCELProgram(env, ast)
	if err != nil {
		return nil, err
	}
	planRuleProgramCache.Store(expr, program)
	return program, nil
}

func loadPlans(path string) ([]Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f plansFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported plans version %d in %s", f.Version, path)
	}
	seen := map[string]bool{}
	for _, p := range f.Plans {
		if strings.TrimSpace(p.Key) == "" {
			return nil, fmt.Errorf("plan with empty key in %s", path)
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("duplicate plan %q in %s", p.Key, path)
		}
		seen[p.Key] = true
		for _, rule := range p.Rules {
			if _, err := loadOrCompilePlanRule(rule.Expr); err != nil {
				return nil, fmt.Errorf("plan %q rule %q: %w", p.Key, rule.Operation, err)
			}
			if _, ok := p.Limits[rule.Limit]; !ok {
				return nil, fmt.Errorf("plan %q rule %q: limit %q not declared", p.Key, rule.Operation, rule.Limit)
			}
		}
	}
	return f.Plans, nil
}

func plansPathFromEnv() string {
	if v := os.Getenv("PLANS_PATH"); v != "" {
		return v
	}
	return defaultPlansPath()
}

func defaultPlansPath() string {
	return findConfigPath(filepath.Join("config", "plans.yaml"))
}
