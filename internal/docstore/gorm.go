package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/market-chat/internal/idgen"
	"github.com/weiawesome/market-chat/pkg/log"
)

// DocumentModel is the row holding one document.
type DocumentModel struct {
	Path      string `gorm:"primaryKey;size:255"`
	ID        string `gorm:"primaryKey;size:128"`
	Data      string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentModel) TableName() string { return "documents" }

// GormStore keeps documents as JSON rows in a SQL database. Filtering and
// ordering happen in process because JSON querying differs across dialects;
// collections are expected to stay small (one user's chats, one
// conversation's messages).
type GormStore struct {
	db       *gorm.DB
	ids      idgen.Generator
	ts       *tsSource
	clock    clockwork.Clock
	notifier *Notifier

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

// NewGormStore migrates the documents table and starts listening for
// changes made by other instances when notifier is not nil.
func NewGormStore(ctx context.Context, db *gorm.DB, ids idgen.Generator, notifier *Notifier) (*GormStore, error) {
	if err := db.WithContext(ctx).AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	clock := clockwork.NewRealClock()
	s := &GormStore{
		db:       db,
		ids:      ids,
		ts:       newTSSource(clock, time.Microsecond),
		clock:    clock,
		notifier: notifier,
		watchers: make(map[string]map[*watcher]struct{}),
	}
	if notifier != nil {
		if err := notifier.Listen(ctx, s.notifyLocal); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *GormStore) Create(ctx context.Context, path string, data Fields) (string, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	if err := s.CreateWithID(ctx, path, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *GormStore) CreateWithID(ctx context.Context, path, id string, data Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	raw, err := encodeFields(resolveCreate(data, s.ts.Now()))
	if err != nil {
		return err
	}

	// The primary key decides concurrent creates; a conflicting insert is a no-op.
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&DocumentModel{Path: path, ID: id, Data: string(raw)})
	err = res.Error
	if err == nil && res.RowsAffected == 0 {
		err = ErrAlreadyExists
	}
	if err != nil {
		return s.translate(fmt.Sprintf("create %s/%s", path, id), err)
	}

	s.changed(ctx, path, id)
	return nil
}

func (s *GormStore) Get(ctx context.Context, path, id string) (*Doc, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	var m DocumentModel
	if err := s.db.WithContext(ctx).Where("path = ? AND id = ?", path, id).First(&m).Error; err != nil {
		return nil, s.translate(fmt.Sprintf("get %s/%s", path, id), err)
	}
	return modelToDoc(&m)
}

func (s *GormStore) Update(ctx context.Context, path, id string, fields Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.patchRow(tx, path, id, fields, s.ts.Now())
	})
	if err != nil {
		return s.translate(fmt.Sprintf("update %s/%s", path, id), err)
	}

	s.changed(ctx, path, id)
	return nil
}

func (s *GormStore) BatchUpdate(ctx context.Context, path string, ids []string, fields Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	now := s.ts.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := s.patchRow(tx, path, id, fields, now); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.translate(fmt.Sprintf("batch update %s", path), err)
	}

	s.changed(ctx, path, ids...)
	return nil
}

// patchRow locks the row, merges fields and writes it back.
func (s *GormStore) patchRow(tx *gorm.DB, path, id string, fields Fields, now time.Time) error {
	var m DocumentModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("path = ? AND id = ?", path, id).First(&m).Error; err != nil {
		return err
	}
	cur, err := decodeFields([]byte(m.Data))
	if err != nil {
		return err
	}
	raw, err := encodeFields(applyPatch(cur, fields, now))
	if err != nil {
		return err
	}
	return tx.Model(&DocumentModel{}).
		Where("path = ? AND id = ?", path, id).
		Updates(map[string]any{"data": string(raw), "updated_at": now}).Error
}

func (s *GormStore) Delete(ctx context.Context, path, id string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Where("path = ? AND id = ?", path, id).Delete(&DocumentModel{})
	if res.Error != nil {
		return s.translate(fmt.Sprintf("delete %s/%s", path, id), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s/%s: %w", path, id, ErrNotFound)
	}

	s.changed(ctx, path, id)
	return nil
}

func (s *GormStore) Query(ctx context.Context, path string, q Query) ([]Doc, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	docs, err := s.loadAll(ctx, path)
	if err != nil {
		return nil, err
	}
	return selectDocs(docs, q), nil
}

func (s *GormStore) Subscribe(ctx context.Context, path string, filters ...Filter) (Subscription, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var w *watcher
	load := func(ctx context.Context) ([]Doc, error) {
		docs, err := s.loadAll(ctx, path)
		if err != nil {
			return nil, err
		}
		return selectDocs(docs, Query{Filters: filters}), nil
	}
	w = newWatcher(ctx, path, s.clock, load, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[path], w)
		if len(s.watchers[path]) == 0 {
			delete(s.watchers, path)
		}
	})
	if s.watchers[path] == nil {
		s.watchers[path] = make(map[*watcher]struct{})
	}
	s.watchers[path][w] = struct{}{}
	return w, nil
}

// Close stops every subscription and the change listener. The database
// handle belongs to the caller.
func (s *GormStore) Close() error {
	s.mu.Lock()
	var all []*watcher
	for _, ws := range s.watchers {
		for w := range ws {
			all = append(all, w)
		}
	}
	s.mu.Unlock()

	for _, w := range all {
		w.Cancel()
	}
	if s.notifier != nil {
		return s.notifier.Close()
	}
	return nil
}

func (s *GormStore) loadAll(ctx context.Context, path string) ([]Doc, error) {
	var rows []DocumentModel
	if err := s.db.WithContext(ctx).Where("path = ?", path).Find(&rows).Error; err != nil {
		return nil, s.translate("query "+path, err)
	}
	docs := make([]Doc, 0, len(rows))
	for i := range rows {
		d, err := modelToDoc(&rows[i])
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, nil
}

func (s *GormStore) changed(ctx context.Context, path string, ids ...string) {
	s.notifyLocal(path)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, path, ids); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldCollection, path).Msg("failed to publish document change")
	}
}

func (s *GormStore) notifyLocal(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[path] {
		w.Notify()
	}
}

func (s *GormStore) translate(op string, err error) error {
	switch {
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}

// isUniqueViolation recognises duplicate key errors from dialects that
// TranslateError does not cover.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"UNIQUE constraint failed", // sqlite
		"duplicate key value",      // postgres
		"SQLSTATE 23505",           // postgres
		"Duplicate entry",          // mysql
		"Error 1062",               // mysql
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func modelToDoc(m *DocumentModel) (*Doc, error) {
	f, err := decodeFields([]byte(m.Data))
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", m.Path, m.ID, err)
	}
	return &Doc{ID: m.ID, Fields: f}, nil
}
