package connect

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// key-value persistence for settings and logs.
// consumers treat writes as best-effort: a failing store must never
// take down the session.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys() []string
}

type MemoryStore struct {
	stateLock sync.Mutex
	values    map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string][]byte{},
	}
}

func (self *MemoryStore) Get(key string) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.values[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

func (self *MemoryStore) Set(key string, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	self.values[key] = stored
	return nil
}

func (self *MemoryStore) Delete(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.values, key)
	return nil
}

func (self *MemoryStore) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	keys := maps.Keys(self.values)
	slices.Sort(keys)
	return keys
}

// one file per key under a single directory
type FileStore struct {
	dir string

	stateLock sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{
		dir: dir,
	}, nil
}

func (self *FileStore) path(key string) string {
	return filepath.Join(self.dir, url.QueryEscape(key))
}

func (self *FileStore) Get(key string) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, err := os.ReadFile(self.path(key))
	if err != nil {
		return nil, false
	}
	return value, true
}

func (self *FileStore) Set(key string, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// write-then-rename so readers never see a partial value
	tempPath := self.path(key) + ".tmp"
	if err := os.WriteFile(tempPath, value, 0600); err != nil {
		return err
	}
	return os.Rename(tempPath, self.path(key))
}

func (self *FileStore) Delete(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	err := os.Remove(self.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (self *FileStore) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entries, err := os.ReadDir(self.dir)
	if err != nil {
		return nil
	}
	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		key, err := url.QueryUnescape(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func StoreJson[T any](store Store, key string, value T) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(key, b)
}

func LoadJson[T any](store Store, key string) (T, bool) {
	var value T
	b, ok := store.Get(key)
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(b, &value); err != nil {
		return value, false
	}
	return value, true
}

type EventLogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type EventLogSettings struct {
	Key        string
	MaxEntries int
}

func DefaultEventLogSettings() *EventLogSettings {
	return &EventLogSettings{
		Key:        "event_log",
		MaxEntries: 500,
	}
}

// bounded in-memory event ring persisted through a Store.
// persistence failures are swallowed: the log is diagnostics, not truth.
type EventLog struct {
	store    Store
	settings *EventLogSettings

	stateLock sync.Mutex
	entries   []EventLogEntry
}

func NewEventLogWithDefaults(store Store) *EventLog {
	return NewEventLog(store, DefaultEventLogSettings())
}

func NewEventLog(store Store, settings *EventLogSettings) *EventLog {
	eventLog := &EventLog{
		store:    store,
		settings: settings,
	}
	if entries, ok := LoadJson[[]EventLogEntry](store, settings.Key); ok {
		eventLog.entries = entries
	}
	return eventLog
}

func (self *EventLog) Append(level string, message string, fields map[string]any) {
	self.stateLock.Lock()
	self.entries = append(self.entries, EventLogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
		Fields:  fields,
	})
	if self.settings.MaxEntries < len(self.entries) {
		self.entries = self.entries[len(self.entries)-self.settings.MaxEntries:]
	}
	entries := make([]EventLogEntry, len(self.entries))
	copy(entries, self.entries)
	self.stateLock.Unlock()

	if err := StoreJson(self.store, self.settings.Key, entries); err != nil {
		glog.V(2).Infof("[eventlog]persist error = %s\n", err)
	}
}

func (self *EventLog) Entries() []EventLogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entries := make([]EventLogEntry, len(self.entries))
	copy(entries, self.entries)
	return entries
}

func (self *EventLog) Clear() {
	self.stateLock.Lock()
	self.entries = nil
	self.stateLock.Unlock()
	if err := self.store.Delete(self.settings.Key); err != nil {
		glog.V(2).Infof("[eventlog]clear error = %s\n", err)
	}
}
