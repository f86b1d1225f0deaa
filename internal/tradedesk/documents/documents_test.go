package documents_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
)

const catalogYAML = `
processes:
  - ref: imp-2024-017
    direction: import
    client: Acme Ltda
    status: awaiting customs
    container: MSCU1234567
    contacts: [joana@acme.example]
tariffs:
  - code: "8471.30.12"
    description: Portable computers
    rates: {ii: 0, ipi: 9.75}
  - code: "9503.00.10"
    description: Toys
    rates: {ii: 20}
    license_required: true
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cat, err := documents.LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	ctx := context.Background()

	p, err := cat.LookupProcess(ctx, " IMP-2024-017 ")
	if err != nil {
		t.Fatalf("LookupProcess: %v", err)
	}
	if p.Client != "Acme Ltda" || p.Container != "MSCU1234567" {
		t.Errorf("unexpected process %+v", p)
	}

	tr, err := cat.LookupTariff(ctx, "84713012")
	if err != nil {
		t.Fatalf("LookupTariff: %v", err)
	}
	if tr.Rates["ipi"] != 9.75 || tr.License {
		t.Errorf("unexpected tariff %+v", tr)
	}
	if tr, err := cat.LookupTariff(ctx, "9503-00-10"); err != nil || !tr.License {
		t.Errorf("license flag lost: %+v, %v", tr, err)
	}
}

func TestCatalog_NotFound(t *testing.T) {
	cat := documents.NewCatalog()
	_, err := cat.LookupProcess(context.Background(), "EXP-1")
	if !errors.Is(err, documents.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	_, err = cat.LookupTariff(context.Background(), "0000")
	if !errors.Is(err, documents.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestLoadCatalog_Errors(t *testing.T) {
	if _, err := documents.LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("processes: {ref: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := documents.LoadCatalog(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := documents.NormalizeCode(" 8471.30-12 "); got != "84713012" {
		t.Errorf("NormalizeCode = %q", got)
	}
}
