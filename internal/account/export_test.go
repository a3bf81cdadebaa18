package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

func seed(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	for _, id := range ids {
		a := sampleAccount(id, time.Hour)
		if id == "idc" {
			a.Provider = provider.KindIdentityCenter
			a.Credentials.AuthMethod = provider.AuthMethodIdC
			a.Credentials.ClientID = "cid"
			a.Credentials.ClientSecret = "secret"
			a.Credentials.Region = "us-east-1"
		}
		if _, err := f.store.Add(context.Background(), a); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func normalized(a Account) Account {
	a.CreatedAt = time.Time{}
	a.UpdatedAt = time.Time{}
	a.BoundMachineID = nil
	a.LastVerifiedAt = nil
	a.Credentials.ExpiresAt = a.Credentials.ExpiresAt.UTC()
	return a
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newFixture(t)
	seed(t, src, "a", "b", "idc")
	if _, err := src.store.BindMachine(context.Background(), "a", guidB); err != nil {
		t.Fatalf("bind: %v", err)
	}

	data, err := src.store.Export(nil, ExportOptions{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != ExportVersion || len(doc.Accounts) != 3 {
		t.Fatalf("unexpected document (%v): %s", err, data)
	}

	dst := newFixture(t)
	report, err := dst.store.Import(context.Background(), data, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Added) != 3 || len(report.Skipped) != 0 || len(report.Invalid) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, want := range src.store.List() {
		got, err := dst.store.Get(want.ID)
		if err != nil {
			t.Fatalf("imported store lacks %s", want.ID)
		}
		if normalized(got) != normalized(want) {
			t.Fatalf("account %s differs:\nwant %+v\ngot  %+v", want.ID, normalized(want), normalized(got))
		}
		if got.BoundMachineID != nil {
			t.Fatalf("bindings must not be imported, %s bound to %s", got.ID, *got.BoundMachineID)
		}
	}
}

func TestExportSubsetAndRedaction(t *testing.T) {
	f := newFixture(t)
	seed(t, f, "a", "b", "idc")

	data, err := f.store.Export([]string{"idc"}, ExportOptions{Redact: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Accounts) != 1 || doc.Accounts[0].ID != "idc" {
		t.Fatalf("expected only idc, got %+v", doc.Accounts)
	}
	c := doc.Accounts[0].Credentials
	if c.AccessToken != "" || c.RefreshToken != "" || c.ClientSecret != "" || c.ClientID != "cid" {
		t.Fatalf("secrets not redacted: %+v", c)
	}
	if bytes.Contains(data, []byte("secret")) || bytes.Contains(data, []byte("access-idc")) {
		t.Fatal("redacted export leaks secrets")
	}

	dst := newFixture(t)
	report, err := dst.store.Import(context.Background(), data, ImportOptions{})
	if err != nil || len(report.Added) != 1 {
		t.Fatalf("redacted export should import as invalid accounts: %+v %v", report, err)
	}
	got, _ := dst.store.Get("idc")
	if got.Status != provider.StatusInvalid {
		t.Fatalf("redacted account status = %s", got.Status)
	}

	if _, err := f.store.Export([]string{"missing"}, ExportOptions{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestEncryptedExport(t *testing.T) {
	f := newFixture(t)
	seed(t, f, "a")

	data, err := f.store.Export(nil, ExportOptions{Passphrase: "correct horse", WorkFactor: 10})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(ageHeader)) || bytes.Contains(data, []byte("access-a")) {
		t.Fatal("export is not an age envelope")
	}

	dst := newFixture(t)
	if _, err := dst.store.Import(context.Background(), data, ImportOptions{}); !errors.Is(err, errs.ErrInvalidFormat) {
		t.Fatalf("missing passphrase: expected InvalidFormat, got %v", err)
	}
	if _, err := dst.store.Import(context.Background(), data, ImportOptions{Passphrase: "wrong"}); !errors.Is(err, errs.ErrInvalidFormat) {
		t.Fatalf("wrong passphrase: expected InvalidFormat, got %v", err)
	}
	if len(dst.store.List()) != 0 {
		t.Fatal("failed imports must not add accounts")
	}
	report, err := dst.store.Import(context.Background(), data, ImportOptions{Passphrase: "correct horse"})
	if err != nil || len(report.Added) != 1 {
		t.Fatalf("import: %+v %v", report, err)
	}
}

func TestImportConflictPolicy(t *testing.T) {
	f := newFixture(t)
	seed(t, f, "a")

	incoming := sampleAccount("a", time.Hour)
	incoming.DisplayName = "From File"
	incoming.Credentials.AccessToken = "imported-token"
	doc, _ := json.Marshal(Document{Version: ExportVersion, Accounts: []Account{incoming, sampleAccount("new", time.Hour)}})

	report, err := f.store.Import(context.Background(), doc, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "a" || len(report.Added) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	kept, _ := f.store.Get("a")
	if kept.DisplayName != "a display" {
		t.Fatal("existing account must not change without overwrite")
	}

	report, err = f.store.Import(context.Background(), doc, ImportOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("import overwrite: %v", err)
	}
	if len(report.Updated) != 2 {
		t.Fatalf("unexpected overwrite report %+v", report)
	}
	replaced, _ := f.store.Get("a")
	if replaced.DisplayName != "From File" || replaced.Credentials.AccessToken != "imported-token" {
		t.Fatalf("overwrite did not apply: %+v", replaced)
	}
}

func TestImportValidation(t *testing.T) {
	f := newFixture(t)

	for _, bad := range [][]byte{
		[]byte("not json"),
		[]byte(`{"version": 99, "accounts": []}`),
	} {
		if _, err := f.store.Import(context.Background(), bad, ImportOptions{}); !errors.Is(err, errs.ErrInvalidFormat) {
			t.Fatalf("Import(%s): expected InvalidFormat, got %v", bad, err)
		}
	}

	noToken := sampleAccount("x", time.Hour)
	noToken.Credentials.AccessToken = ""
	badKind := sampleAccount("y", time.Hour)
	badKind.Provider = "unknown"
	good := sampleAccount("z", time.Hour)
	doc, _ := json.Marshal(Document{Version: ExportVersion, Accounts: []Account{noToken, badKind, good, good}})

	report, err := f.store.Import(context.Background(), doc, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Invalid) != 3 || len(report.Added) != 1 || report.Added[0] != "z" {
		t.Fatalf("unexpected report %+v", report)
	}
}
