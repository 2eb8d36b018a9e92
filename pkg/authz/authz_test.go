package authz

import (
	"os"
	"path/filepath"
	"testing"
)

const testModel = `[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (r.dom == p.dom || p.dom == "*") && r.obj == p.obj && r.act == p.act
`

const testPolicy = `p, role:tenant-admin, *, invoicing.invoices, admin
p, role:tenant-viewer, *, invoicing.invoices, read
p, role:bookkeeper, tenant-a, ledger.journal, admin
`

func writeAccessFiles(t *testing.T) (modelPath string, policyPath string) {
	t.Helper()
	dir := t.TempDir()
	modelPath = filepath.Join(dir, "model.conf")
	policyPath = filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(testModel), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return modelPath, policyPath
}

func TestAuthorizeEnforce(t *testing.T) {
	modelPath, policyPath := writeAccessFiles(t)
	a, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	allowed, enforced, err := a.Authorize("role:tenant-admin", "tenant-a", ObjectInvoicingInvoices, ActionAdmin)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !allowed || !enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}

	allowed, enforced, err = a.Authorize("role:tenant-viewer", "tenant-a", ObjectInvoicingInvoices, ActionAdmin)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if allowed || !enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}
}

func TestAuthorizeDomainScopedPolicy(t *testing.T) {
	modelPath, policyPath := writeAccessFiles(t)
	a, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	allowed, _, err := a.Authorize("role:bookkeeper", "tenant-a", ObjectLedgerJournal, ActionAdmin)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !allowed {
		t.Fatal("bookkeeper in tenant-a must be allowed")
	}

	allowed, _, err = a.Authorize("role:bookkeeper", "tenant-b", ObjectLedgerJournal, ActionAdmin)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if allowed {
		t.Fatal("bookkeeper in tenant-b must be denied")
	}
}

func TestAuthorizeShadowNeverEnforces(t *testing.T) {
	modelPath, policyPath := writeAccessFiles(t)
	a, err := NewAuthorizer(modelPath, policyPath, ModeShadow)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	allowed, enforced, err := a.Authorize("role:anonymous", "tenant-a", ObjectInvoicingInvoices, ActionAdmin)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if allowed {
		t.Fatal("anonymous must not be allowed")
	}
	if enforced {
		t.Fatal("shadow mode must not enforce")
	}
}

func TestAuthorizeDisabled(t *testing.T) {
	modelPath, policyPath := writeAccessFiles(t)
	a, err := NewAuthorizer(modelPath, policyPath, ModeDisabled)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	allowed, enforced, err := a.Authorize("role:anonymous", "tenant-a", ObjectTaxFilings, ActionAdmin)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !allowed || enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}
}

func TestModeFromEnv(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	mode, err := ModeFromEnv()
	if err != nil || mode != ModeEnforce {
		t.Fatalf("mode=%v err=%v", mode, err)
	}

	t.Setenv("AUTHZ_MODE", "shadow")
	mode, err = ModeFromEnv()
	if err != nil || mode != ModeShadow {
		t.Fatalf("mode=%v err=%v", mode, err)
	}

	t.Setenv("AUTHZ_MODE", "disabled")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("disabled without override must error")
	}
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	mode, err = ModeFromEnv()
	if err != nil || mode != ModeDisabled {
		t.Fatalf("mode=%v err=%v", mode, err)
	}

	t.Setenv("AUTHZ_MODE", "bogus")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("invalid mode must error")
	}
}

func TestSubjectAndDomainHelpers(t *testing.T) {
	if got := SubjectFromRoleSlug("  Tenant-Admin "); got != "role:tenant-admin" {
		t.Fatalf("subject=%q", got)
	}
	if got := SubjectFromRoleSlug(""); got != "role:anonymous" {
		t.Fatalf("subject=%q", got)
	}
	if got := DomainFromTenantID(" 9F2A "); got != "9f2a" {
		t.Fatalf("domain=%q", got)
	}
}
