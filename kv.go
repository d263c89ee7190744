package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	keyQuizSets       = "mindgate_quiz_sets"
	keyQuestions      = "mindgate_questions"
	keyAppAssignments = "mindgate_app_assignments"
	keyAttempts       = "mindgate_attempts"
	keyInitialized    = "mindgate_initialized"
	keySettings       = "learnlock_settings"
	keyTheme          = "learnlock_theme"
)

const defaultCacheTTL = 5 * time.Minute

var ErrPersistenceWriteFailed = errors.New("persistence write failed")

type cachedValue struct {
	raw      []byte
	found    bool
	storedAt time.Time
}

// KVStore persists JSON blobs in the kv_entries table. Reads are cached for
// ttl; a write to a key drops its cache entry and bumps its generation, so a
// read that started before the write never repopulates the cache.
type KVStore struct {
	db  *gorm.DB
	log *zap.Logger
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
	gen   map[string]uint64
	reads singleflight.Group
}

func NewKVStore(db *gorm.DB, log *zap.Logger, ttl time.Duration) *KVStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &KVStore{
		db:    db,
		log:   log,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedValue),
		gen:   make(map[string]uint64),
	}
}

func (s *KVStore) getRaw(ctx context.Context, key string) ([]byte, bool, error) {
	now := s.now()
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && now.Sub(c.storedAt) < s.ttl {
		s.mu.Unlock()
		return c.raw, c.found, nil
	}
	gen := s.gen[key]
	s.mu.Unlock()

	// readers of the same generation share one query
	v, err, _ := s.reads.Do(key+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		var e KVEntry
		err := s.db.WithContext(ctx).First(&e, "key = ?", key).Error
		found := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}

		c := cachedValue{raw: e.Value, found: found, storedAt: now}
		s.mu.Lock()
		if s.gen[key] == gen {
			s.cache[key] = c
		}
		s.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, false, err
	}
	c := v.(cachedValue)
	return c.raw, c.found, nil
}

func (s *KVStore) invalidate(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.cache, k)
		s.gen[k]++
	}
	s.mu.Unlock()
}

func upsert(tx *gorm.DB, key string, raw []byte) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&KVEntry{Key: key, Value: datatypes.JSON(raw)}).Error
}

// setMany writes every key in one transaction so a reader never sees half
// of a multi-key update.
func (s *KVStore) setMany(ctx context.Context, values map[string]any) error {
	encoded := make(map[string][]byte, len(values))
	keys := make([]string, 0, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrPersistenceWriteFailed, k, err)
		}
		encoded[k] = raw
		keys = append(keys, k)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for k, raw := range encoded {
			if err := upsert(tx, k, raw); err != nil {
				return fmt.Errorf("write %s: %w", k, err)
			}
		}
		return nil
	})
	s.invalidate(keys...)
	if err != nil {
		s.log.Error("kv write failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersistenceWriteFailed, err)
	}
	return nil
}

func (s *KVStore) set(ctx context.Context, key string, v any) error {
	return s.setMany(ctx, map[string]any{key: v})
}

func getJSON[T any](ctx context.Context, s *KVStore, key string) (T, bool, error) {
	var out T
	raw, found, err := s.getRaw(ctx, key)
	if err != nil || !found {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

func getList[T any](ctx context.Context, s *KVStore, key string) ([]T, error) {
	list, _, err := getJSON[[]T](ctx, s, key)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

func (s *KVStore) QuizSets(ctx context.Context) ([]QuizSet, error) {
	return getList[QuizSet](ctx, s, keyQuizSets)
}

func (s *KVStore) SetQuizSets(ctx context.Context, v []QuizSet) error {
	return s.set(ctx, keyQuizSets, v)
}

func (s *KVStore) Questions(ctx context.Context) ([]Question, error) {
	return getList[Question](ctx, s, keyQuestions)
}

func (s *KVStore) SetQuestions(ctx context.Context, v []Question) error {
	return s.set(ctx, keyQuestions, v)
}

func (s *KVStore) AppAssignments(ctx context.Context) ([]AppAssignment, error) {
	return getList[AppAssignment](ctx, s, keyAppAssignments)
}

func (s *KVStore) SetAppAssignments(ctx context.Context, v []AppAssignment) error {
	return s.set(ctx, keyAppAssignments, v)
}

func (s *KVStore) Attempts(ctx context.Context) ([]Attempt, error) {
	return getList[Attempt](ctx, s, keyAttempts)
}

func (s *KVStore) SetAttempts(ctx context.Context, v []Attempt) error {
	return s.set(ctx, keyAttempts, v)
}

// SetAttemptsAndQuestions writes the attempt log together with the question
// counters it bumped.
func (s *KVStore) SetAttemptsAndQuestions(ctx context.Context, attempts []Attempt, questions []Question) error {
	return s.setMany(ctx, map[string]any{
		keyAttempts:  attempts,
		keyQuestions: questions,
	})
}

func (s *KVStore) IsInitialized(ctx context.Context) (bool, error) {
	v, _, err := getJSON[bool](ctx, s, keyInitialized)
	return v, err
}

func (s *KVStore) SetInitialized(ctx context.Context) error {
	return s.set(ctx, keyInitialized, true)
}

// Settings returns the stored settings over the defaults, so blobs written
// before a field existed still decode sensibly.
func (s *KVStore) Settings(ctx context.Context) (Settings, error) {
	out := DefaultSettings()
	raw, found, err := s.getRaw(ctx, keySettings)
	if err != nil || !found {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return DefaultSettings(), fmt.Errorf("decode %s: %w", keySettings, err)
	}
	return out, nil
}

func (s *KVStore) SetSettings(ctx context.Context, v Settings) error {
	return s.set(ctx, keySettings, v)
}

func (s *KVStore) Theme(ctx context.Context) (Theme, error) {
	v, _, err := getJSON[Theme](ctx, s, keyTheme)
	if err != nil {
		return ThemeDark, err
	}
	if v != ThemeLight && v != ThemeDark {
		return ThemeDark, nil
	}
	return v, nil
}

func (s *KVStore) SetTheme(ctx context.Context, t Theme) error {
	return s.set(ctx, keyTheme, t)
}
