package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/pysugar/kiro-accounts/internal/db/models"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
	"gorm.io/gorm"
)

// ExportVersion is the schema version of exported documents.
const ExportVersion = 1

// ageHeader prefixes every binary age file.
const ageHeader = "age-encryption.org/v1\n"

// Document is the export format.
type Document struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Accounts   []Account `json:"accounts"`
}

// ExportOptions controls Export.
type ExportOptions struct {
	// Redact blanks tokens and client secrets.
	Redact bool
	// Passphrase, when set, wraps the document in an age scrypt envelope.
	Passphrase string
	// WorkFactor overrides the scrypt work factor (log2 N).
	WorkFactor int
}

// Export serializes the accounts with ids, or every account when ids is
// empty. Machine bindings are exported for reference only.
func (s *Store) Export(ids []string, opts ExportOptions) ([]byte, error) {
	snap := s.snapshot()
	var accs []Account
	if len(ids) == 0 {
		for _, a := range snap {
			accs = append(accs, a)
		}
	} else {
		for _, id := range ids {
			a, ok := snap[id]
			if !ok {
				return nil, errs.New(errs.KindNotFound, "account %s not found", id)
			}
			accs = append(accs, a)
		}
	}
	sortAccounts(accs)
	if opts.Redact {
		for i := range accs {
			accs[i] = accs[i].Redacted()
		}
	}
	if accs == nil {
		accs = []Account{}
	}

	doc, err := json.MarshalIndent(Document{Version: ExportVersion, ExportedAt: s.now().UTC(), Accounts: accs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	if opts.Passphrase == "" {
		return doc, nil
	}
	return seal(doc, opts.Passphrase, opts.WorkFactor)
}

func seal(plaintext []byte, passphrase string, workFactor int) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing export to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func open(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errs.New(errs.KindInvalidFormat, "export is encrypted; a passphrase is required")
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidFormat, err, "decrypting export")
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidFormat, err, "reading decrypted export")
	}
	return plaintext, nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	// Overwrite updates existing ids in place instead of skipping them.
	Overwrite bool
	// Passphrase opens an encrypted export.
	Passphrase string
}

// ImportIssue is a record Import rejected.
type ImportIssue struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// ImportReport lists what Import did with each record.
type ImportReport struct {
	Added   []string      `json:"added"`
	Updated []string      `json:"updated"`
	Skipped []string      `json:"skipped"`
	Invalid []ImportIssue `json:"invalid,omitempty"`
}

// Import merges an exported document by id. Existing ids are skipped and
// reported unless opts.Overwrite. Invalid records are reported and left
// out; the valid ones are written in one transaction. Machine bindings are
// not imported.
func (s *Store) Import(ctx context.Context, data []byte, opts ImportOptions) (ImportReport, error) {
	if bytes.HasPrefix(data, []byte(ageHeader)) {
		var err error
		if data, err = open(data, opts.Passphrase); err != nil {
			return ImportReport{}, err
		}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return ImportReport{}, errs.Wrap(errs.KindInvalidFormat, err, "malformed export document")
	}
	if doc.Version != ExportVersion {
		return ImportReport{}, errs.New(errs.KindInvalidFormat, "unsupported export version %d", doc.Version)
	}

	report := ImportReport{Added: []string{}, Updated: []string{}, Skipped: []string{}}
	var candidates []Account
	seen := map[string]bool{}
	for i, a := range doc.Accounts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Status == "" {
			a.Status = provider.StatusActive
		}
		a.BoundMachineID = nil
		if err := a.validate(); err != nil {
			report.Invalid = append(report.Invalid, ImportIssue{Index: i, ID: a.ID, Reason: err.Error()})
			continue
		}
		if seen[a.ID] {
			report.Invalid = append(report.Invalid, ImportIssue{Index: i, ID: a.ID, Reason: "duplicate id in document"})
			continue
		}
		seen[a.ID] = true
		candidates = append(candidates, a)
	}

	ids := make([]string, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.ID)
	}
	unlock := s.keys.LockMany(ids)
	defer unlock()

	snap := s.snapshot()
	now := s.now()
	var stored []Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored = stored[:0]
		for _, a := range candidates {
			cur, exists := snap[a.ID]
			switch {
			case exists && !opts.Overwrite:
				continue
			case exists:
				a.CreatedAt = cur.CreatedAt
				a.UpdatedAt = now
				row := toModel(a)
				if err := tx.Model(&models.Account{}).Where("id = ?", a.ID).Select(append([]string{"provider"}, profileColumns...)).Updates(&row).Error; err != nil {
					return errs.Wrap(errs.KindStoreIO, err, "update imported account %s", a.ID)
				}
			default:
				if a.CreatedAt.IsZero() {
					a.CreatedAt = now
				}
				a.UpdatedAt = now
				row := toModel(a)
				if err := tx.Create(&row).Error; err != nil {
					return errs.Wrap(errs.KindStoreIO, err, "insert imported account %s", a.ID)
				}
			}
			acc, err := readRow(tx, a.ID)
			if err != nil {
				return err
			}
			stored = append(stored, acc)
		}
		return nil
	})
	if err != nil {
		return ImportReport{}, storeErr(err, "import accounts")
	}
	s.apply(stored)

	for _, a := range candidates {
		_, exists := snap[a.ID]
		switch {
		case exists && !opts.Overwrite:
			report.Skipped = append(report.Skipped, a.ID)
		case exists:
			report.Updated = append(report.Updated, a.ID)
		default:
			report.Added = append(report.Added, a.ID)
		}
	}
	log.Printf("📥 Imported accounts: %d added, %d updated, %d skipped, %d invalid",
		len(report.Added), len(report.Updated), len(report.Skipped), len(report.Invalid))
	return report, nil
}
