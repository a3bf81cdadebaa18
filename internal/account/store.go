package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/kiro-accounts/internal/db/models"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/machineid"
	"github.com/pysugar/kiro-accounts/internal/provider"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	// DefaultRefreshGrace is how long a token must stay valid for Refresh
	// to skip the exchange.
	DefaultRefreshGrace = 5 * time.Minute
	// DefaultRefreshAhead is the window the refresh loop looks ahead.
	DefaultRefreshAhead = 20 * time.Minute
)

// Client is the part of provider.Client the store uses.
type Client interface {
	Refresh(ctx context.Context, creds provider.Credentials) (provider.Credentials, error)
	Verify(ctx context.Context, creds provider.Credentials) (provider.Check, error)
}

// Providers resolves the client for a provider kind.
type Providers interface {
	Client(kind provider.Kind) (Client, error)
}

// FromSet adapts a provider.Set.
func FromSet(set *provider.Set) Providers {
	return setProviders{set}
}

type setProviders struct{ set *provider.Set }

func (p setProviders) Client(kind provider.Kind) (Client, error) {
	return p.set.Get(kind)
}

// Config configures a Store.
type Config struct {
	DB           *gorm.DB
	Binder       *machineid.Binder
	Providers    Providers
	RefreshGrace time.Duration
	RefreshAhead time.Duration
	// RetryInterval is the first backoff step of the refresh loop.
	RetryInterval time.Duration
	Now           func() time.Time
}

// Store owns the account collection. Every mutation commits to SQLite
// before the in-memory snapshot is replaced, and mutations of one account
// are serialized. Provider calls run with no lock held.
type Store struct {
	db        *gorm.DB
	binder    *machineid.Binder
	providers Providers
	grace     time.Duration
	ahead     time.Duration
	retry     time.Duration
	now       func() time.Time

	keys  *keyedMutex
	group singleflight.Group

	mu   sync.RWMutex
	snap map[string]Account // replaced, never modified in place
}

// NewStore opens the store and loads every account.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("account store requires a database")
	}
	if cfg.Binder == nil {
		return nil, fmt.Errorf("account store requires a machine id binder")
	}
	if cfg.RefreshGrace <= 0 {
		cfg.RefreshGrace = DefaultRefreshGrace
	}
	if cfg.RefreshAhead <= 0 {
		cfg.RefreshAhead = DefaultRefreshAhead
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		db:        cfg.DB,
		binder:    cfg.Binder,
		providers: cfg.Providers,
		grace:     cfg.RefreshGrace,
		ahead:     cfg.RefreshAhead,
		retry:     cfg.RetryInterval,
		now:       cfg.Now,
		keys:      newKeyedMutex(),
		snap:      map[string]Account{},
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the snapshot from the database.
func (s *Store) Reload(ctx context.Context) error {
	var rows []models.Account
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return errs.Wrap(errs.KindStoreIO, err, "load accounts")
	}
	snap := make(map[string]Account, len(rows))
	for _, r := range rows {
		snap[r.ID] = fromModel(r)
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	log.Printf("📦 Loaded %d accounts", len(rows))
	return nil
}

func (s *Store) snapshot() map[string]Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) lookup(id string) (Account, bool) {
	a, ok := s.snapshot()[id]
	return a, ok
}

// apply publishes committed rows and removals.
func (s *Store) apply(upserts []Account, deletes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]Account, len(s.snap)+len(upserts))
	for k, v := range s.snap {
		next[k] = v
	}
	for _, a := range upserts {
		next[a.ID] = a
	}
	for _, id := range deletes {
		delete(next, id)
	}
	s.snap = next
}

// List returns every account, oldest first.
func (s *Store) List() []Account {
	snap := s.snapshot()
	out := make([]Account, 0, len(snap))
	for _, a := range snap {
		out = append(out, a)
	}
	sortAccounts(out)
	return out
}

func sortAccounts(accs []Account) {
	sort.Slice(accs, func(i, j int) bool {
		if !accs[i].CreatedAt.Equal(accs[j].CreatedAt) {
			return accs[i].CreatedAt.Before(accs[j].CreatedAt)
		}
		return accs[i].ID < accs[j].ID
	})
}

// Get returns the account with id.
func (s *Store) Get(id string) (Account, error) {
	a, ok := s.lookup(id)
	if !ok {
		return Account{}, errs.New(errs.KindNotFound, "account %s not found", id)
	}
	return a, nil
}

// FindByEmail returns the account of kind with a matching email.
func (s *Store) FindByEmail(kind provider.Kind, email string) (Account, bool) {
	if email == "" {
		return Account{}, false
	}
	for _, a := range s.List() {
		if a.Provider == kind && strings.EqualFold(a.Email, email) {
			return a, true
		}
	}
	return Account{}, false
}

// Add stores a new account, generating an id when none is set. A set
// BoundMachineID is bound in the same transaction.
func (s *Store) Add(ctx context.Context, a Account) (Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = provider.StatusActive
	}
	if err := a.validate(); err != nil {
		return Account{}, err
	}

	unlock := s.keys.Lock(a.ID)
	defer unlock()
	if _, ok := s.lookup(a.ID); ok {
		return Account{}, errs.New(errs.KindConflict, "account %s already exists", a.ID)
	}

	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	bound := a.BoundMachineID
	row := toModel(a)
	row.BoundMachineID = nil

	var stored Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return errs.Wrap(errs.KindConflict, err, "account %s already exists", a.ID)
			}
			return errs.Wrap(errs.KindStoreIO, err, "insert account %s", a.ID)
		}
		if bound != nil {
			if err := s.binder.BindTx(tx, a.ID, *bound); err != nil {
				return err
			}
		}
		var err error
		stored, err = readRow(tx, a.ID)
		return err
	})
	if err != nil {
		return Account{}, storeErr(err, "add account %s", a.ID)
	}
	s.apply([]Account{stored})
	log.Printf("✅ Added %s account %s (%s)", stored.Provider, stored.DisplayName, stored.ID)
	return stored, nil
}

// Update applies patch to the account with id.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (Account, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	cur, ok := s.lookup(id)
	if !ok {
		return Account{}, errs.New(errs.KindNotFound, "account %s not found", id)
	}
	next := patch.apply(cur)
	if err := next.validate(); err != nil {
		return Account{}, err
	}
	next.UpdatedAt = s.now()
	stored, err := s.write(ctx, next, profileColumns)
	if err != nil {
		return Account{}, err
	}
	log.Printf("✏️ Updated account %s", id)
	return stored, nil
}

// write commits the given columns of a and publishes the stored row. The
// caller holds the account's key lock.
func (s *Store) write(ctx context.Context, a Account, columns []string) (Account, error) {
	row := toModel(a)
	var stored Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).Where("id = ?", a.ID).Select(columns).Updates(&row)
		if res.Error != nil {
			return errs.Wrap(errs.KindStoreIO, res.Error, "update account %s", a.ID)
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.KindNotFound, "account %s not found", a.ID)
		}
		var err error
		stored, err = readRow(tx, a.ID)
		return err
	})
	if err != nil {
		return Account{}, storeErr(err, "update account %s", a.ID)
	}
	s.apply([]Account{stored})
	return stored, nil
}

// Delete removes the account and its machine binding in one transaction.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.binder.UnbindTx(tx, id); err != nil {
			return err
		}
		res := tx.Delete(&models.Account{}, "id = ?", id)
		if res.Error != nil {
			return errs.Wrap(errs.KindStoreIO, res.Error, "delete account %s", id)
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.KindNotFound, "account %s not found", id)
		}
		return nil
	})
	if err != nil {
		return storeErr(err, "delete account %s", id)
	}
	s.apply(nil, id)
	log.Printf("🗑️ Deleted account %s", id)
	return nil
}

// DeleteMany removes every listed account that exists, all or nothing,
// and returns how many were removed.
func (s *Store) DeleteMany(ctx context.Context, ids []string) (int, error) {
	unlock := s.keys.LockMany(ids)
	defer unlock()

	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removed = removed[:0]
		for _, id := range ids {
			if err := s.binder.UnbindTx(tx, id); err != nil {
				return err
			}
			res := tx.Delete(&models.Account{}, "id = ?", id)
			if res.Error != nil {
				return errs.Wrap(errs.KindStoreIO, res.Error, "delete account %s", id)
			}
			if res.RowsAffected > 0 {
				removed = append(removed, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeErr(err, "delete accounts")
	}
	s.apply(nil, removed...)
	log.Printf("🗑️ Deleted %d of %d accounts", len(removed), len(ids))
	return len(removed), nil
}

// BindMachine binds machineID to the account.
func (s *Store) BindMachine(ctx context.Context, id, machineID string) (Account, error) {
	unlock := s.keys.Lock(id)
	defer unlock()
	if _, ok := s.lookup(id); !ok {
		return Account{}, errs.New(errs.KindNotFound, "account %s not found", id)
	}

	var stored Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.binder.BindTx(tx, id, machineID); err != nil {
			return err
		}
		var err error
		stored, err = readRow(tx, id)
		return err
	})
	if err != nil {
		return Account{}, storeErr(err, "bind account %s", id)
	}
	s.apply([]Account{stored})
	return stored, nil
}

// UnbindMachine releases the account's machine id.
func (s *Store) UnbindMachine(ctx context.Context, id string) (Account, error) {
	unlock := s.keys.Lock(id)
	defer unlock()
	if _, ok := s.lookup(id); !ok {
		return Account{}, errs.New(errs.KindNotFound, "account %s not found", id)
	}

	var stored Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.binder.UnbindTx(tx, id); err != nil {
			return err
		}
		var err error
		stored, err = readRow(tx, id)
		return err
	})
	if err != nil {
		return Account{}, storeErr(err, "unbind account %s", id)
	}
	s.apply([]Account{stored})
	return stored, nil
}

func readRow(tx *gorm.DB, id string) (Account, error) {
	var row models.Account
	err := tx.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, errs.New(errs.KindNotFound, "account %s not found", id)
	}
	if err != nil {
		return Account{}, errs.Wrap(errs.KindStoreIO, err, "read account %s", id)
	}
	return fromModel(row), nil
}

// storeErr keeps categorized errors and files the rest (commit failures)
// under StoreIO.
func storeErr(err error, format string, args ...any) error {
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.Wrap(errs.KindStoreIO, err, format, args...)
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
