package machineid

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/kiro-accounts/internal/db/models"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is a saved machine identifier.
type Snapshot struct {
	Kind       string    `json:"kind"`
	MachineID  string    `json:"machine_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// Binding pins a machine id to an account.
type Binding struct {
	MachineID string    `json:"machine_id"`
	AccountID string    `json:"account_id"`
	BoundAt   time.Time `json:"bound_at"`
}

// Record is the binder's view of the current machine.
type Record struct {
	CurrentID      string  `json:"current_id"`
	OriginalBackup string  `json:"original_backup"`
	BoundAccountID *string `json:"bound_account_id,omitempty"`
}

// Binder owns the system machine id, its backups and the machine_bindings
// table. accounts.bound_machine_id is kept in step inside the same
// transaction as every binding change.
type Binder struct {
	db  *gorm.DB
	src Source
	now func() time.Time

	mu sync.Mutex // serializes source reads and writes
}

// NewBinder creates a binder over db and src.
func NewBinder(db *gorm.DB, src Source) *Binder {
	return &Binder{db: db, src: src, now: time.Now}
}

// Current returns the system machine id. The first successful read also
// records it as the original backup; a source with no value gets a fresh id.
func (b *Binder) Current(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked(ctx)
}

func (b *Binder) currentLocked(ctx context.Context) (string, error) {
	id, err := b.src.Read()
	if errors.Is(err, ErrNoMachineID) {
		id = uuid.NewString()
		if werr := b.src.Write(id); werr != nil {
			return "", errs.Wrap(errs.KindStoreIO, werr, "initialize machine id")
		}
		log.Printf("[MachineID] 🆕 No machine id found, initialized %s", id)
	} else if err != nil {
		return "", errs.Wrap(errs.KindStoreIO, err, "read machine id")
	}

	backup := models.MachineGuidBackup{Kind: models.BackupOriginal, MachineID: id, CapturedAt: b.now()}
	res := b.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&backup)
	if res.Error != nil {
		return "", errs.Wrap(errs.KindStoreIO, res.Error, "capture original machine id")
	}
	if res.RowsAffected > 0 {
		log.Printf("[MachineID] 💾 Captured original machine id %s", id)
	}
	return id, nil
}

// Backup saves the current id as the manual snapshot, replacing any
// previous one.
func (b *Binder) Backup(ctx context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.currentLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	row := models.MachineGuidBackup{Kind: models.BackupManual, MachineID: id, CapturedAt: b.now()}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"machine_id", "captured_at"}),
	}).Create(&row).Error
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.KindStoreIO, err, "save machine id backup")
	}
	log.Printf("[MachineID] 💾 Backed up machine id %s", id)
	return snapshotOf(row), nil
}

// LatestBackup returns the manual snapshot, if any.
func (b *Binder) LatestBackup(ctx context.Context) (*Snapshot, error) {
	return b.backup(ctx, models.BackupManual)
}

// OriginalBackup returns the factory value captured on first access.
func (b *Binder) OriginalBackup(ctx context.Context) (*Snapshot, error) {
	if _, err := b.Current(ctx); err != nil {
		return nil, err
	}
	return b.backup(ctx, models.BackupOriginal)
}

func (b *Binder) backup(ctx context.Context, kind string) (*Snapshot, error) {
	var row models.MachineGuidBackup
	err := b.db.WithContext(ctx).Where("kind = ?", kind).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreIO, err, "load %s backup", kind)
	}
	s := snapshotOf(row)
	return &s, nil
}

// Restore writes snap back to the system.
func (b *Binder) Restore(ctx context.Context, snap Snapshot) error {
	id, err := Canonical(snap.MachineID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.currentLocked(ctx); err != nil {
		return err
	}
	if err := b.src.Write(id); err != nil {
		return errs.Wrap(errs.KindStoreIO, err, "restore machine id")
	}
	log.Printf("[MachineID] ♻️ Restored machine id %s", id)
	return nil
}

// Reset writes a new random id that differs from the current one and from
// every bound id.
func (b *Binder) Reset(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.currentLocked(ctx)
	if err != nil {
		return "", err
	}
	bound, err := b.boundSet(ctx)
	if err != nil {
		return "", err
	}
	bound[current] = true

	id := uuid.NewString()
	for bound[id] {
		id = uuid.NewString()
	}
	if err := b.src.Write(id); err != nil {
		return "", errs.Wrap(errs.KindStoreIO, err, "write machine id")
	}
	log.Printf("[MachineID] 🔄 Reset machine id %s -> %s", current, id)
	return id, nil
}

// SetCustom validates id and writes it to the system.
func (b *Binder) SetCustom(ctx context.Context, id string) (string, error) {
	id, err := Canonical(id)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.currentLocked(ctx); err != nil {
		return "", err
	}
	if err := b.src.Write(id); err != nil {
		return "", errs.Wrap(errs.KindStoreIO, err, "write machine id")
	}
	log.Printf("[MachineID] ✏️ Set custom machine id %s", id)
	return id, nil
}

// ClearOverride removes an override machine id so the system value shows
// through again. Sources without an override fail with InvalidFormat.
func (b *Binder) ClearOverride(ctx context.Context) error {
	c, ok := b.src.(Clearer)
	if !ok {
		return errs.New(errs.KindInvalidFormat, "machine id source has no override to clear")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.Clear(); err != nil {
		return errs.Wrap(errs.KindStoreIO, err, "clear machine id override")
	}
	log.Printf("[MachineID] 🧹 Cleared machine id override")
	return nil
}

// Generate returns a fresh id without applying it.
func (b *Binder) Generate() string {
	return uuid.NewString()
}

// Bind pins machineID to accountID.
func (b *Binder) Bind(ctx context.Context, accountID, machineID string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return b.BindTx(tx, accountID, machineID)
	})
}

// BindTx is Bind inside the caller's transaction. It fails with
// GuidConflict when machineID belongs to another account. Rebinding the
// same pair is a no-op; binding a new id to an account replaces its old one.
func (b *Binder) BindTx(tx *gorm.DB, accountID, machineID string) error {
	id, err := Canonical(machineID)
	if err != nil {
		return err
	}

	var existing models.MachineBinding
	err = tx.Where("machine_id = ?", id).First(&existing).Error
	switch {
	case err == nil && existing.AccountID == accountID:
		return nil
	case err == nil:
		return errs.New(errs.KindGuidConflict, "machine id %s is bound to account %s", id, existing.AccountID)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return errs.Wrap(errs.KindStoreIO, err, "look up binding")
	}

	if err := tx.Where("account_id = ?", accountID).Delete(&models.MachineBinding{}).Error; err != nil {
		return errs.Wrap(errs.KindStoreIO, err, "drop previous binding")
	}
	if err := tx.Create(&models.MachineBinding{MachineID: id, AccountID: accountID, BoundAt: b.now()}).Error; err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.KindGuidConflict, err, "machine id %s is already bound", id)
		}
		return errs.Wrap(errs.KindStoreIO, err, "create binding")
	}
	res := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("bound_machine_id", id)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return errs.Wrap(errs.KindGuidConflict, res.Error, "machine id %s is already bound", id)
		}
		return errs.Wrap(errs.KindStoreIO, res.Error, "mirror binding on account")
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.KindNotFound, "account %s not found", accountID)
	}
	log.Printf("[MachineID] 🔗 Bound %s to account %s", id, accountID)
	return nil
}

// Unbind removes the binding of accountID. Unbinding an unbound account is
// a no-op.
func (b *Binder) Unbind(ctx context.Context, accountID string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return b.UnbindTx(tx, accountID)
	})
}

// UnbindTx is Unbind inside the caller's transaction.
func (b *Binder) UnbindTx(tx *gorm.DB, accountID string) error {
	res := tx.Where("account_id = ?", accountID).Delete(&models.MachineBinding{})
	if res.Error != nil {
		return errs.Wrap(errs.KindStoreIO, res.Error, "delete binding")
	}
	if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("bound_machine_id", nil).Error; err != nil {
		return errs.Wrap(errs.KindStoreIO, err, "clear account binding")
	}
	if res.RowsAffected > 0 {
		log.Printf("[MachineID] ✂️ Unbound account %s", accountID)
	}
	return nil
}

// BoundAccountFor returns the account bound to machineID.
func (b *Binder) BoundAccountFor(ctx context.Context, machineID string) (string, bool, error) {
	id, err := Canonical(machineID)
	if err != nil {
		return "", false, err
	}
	var row models.MachineBinding
	err = b.db.WithContext(ctx).Where("machine_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.KindStoreIO, err, "look up binding")
	}
	return row.AccountID, true, nil
}

// BindingFor returns the machine id bound to accountID.
func (b *Binder) BindingFor(ctx context.Context, accountID string) (string, bool, error) {
	var row models.MachineBinding
	err := b.db.WithContext(ctx).Where("account_id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.KindStoreIO, err, "look up binding")
	}
	return row.MachineID, true, nil
}

// Bindings lists every binding, oldest first.
func (b *Binder) Bindings(ctx context.Context) ([]Binding, error) {
	var rows []models.MachineBinding
	if err := b.db.WithContext(ctx).Order("bound_at ASC").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreIO, err, "list bindings")
	}
	out := make([]Binding, 0, len(rows))
	for _, r := range rows {
		out = append(out, Binding{MachineID: r.MachineID, AccountID: r.AccountID, BoundAt: r.BoundAt})
	}
	return out, nil
}

// Record reports the current id, the original backup and the account bound
// to the current id.
func (b *Binder) Record(ctx context.Context) (Record, error) {
	current, err := b.Current(ctx)
	if err != nil {
		return Record{}, err
	}
	rec := Record{CurrentID: current}
	if orig, err := b.backup(ctx, models.BackupOriginal); err != nil {
		return Record{}, err
	} else if orig != nil {
		rec.OriginalBackup = orig.MachineID
	}
	if acc, ok, err := b.BoundAccountFor(ctx, current); err != nil {
		return Record{}, err
	} else if ok {
		rec.BoundAccountID = &acc
	}
	return rec, nil
}

func (b *Binder) boundSet(ctx context.Context) (map[string]bool, error) {
	var ids []string
	if err := b.db.WithContext(ctx).Model(&models.MachineBinding{}).Pluck("machine_id", &ids).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreIO, err, "list bound ids")
	}
	set := make(map[string]bool, len(ids)+1)
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func snapshotOf(row models.MachineGuidBackup) Snapshot {
	return Snapshot{Kind: row.Kind, MachineID: row.MachineID, CapturedAt: row.CapturedAt}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
