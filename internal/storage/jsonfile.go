package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
)

// jsonRecord is the on-disk layout of one subscriber:
//
//	{"<id>": {"timezone": "Asia/Shanghai", "coins": ["bitcoin"], "time": "08:00"}}
type jsonRecord struct {
	Timezone string   `json:"timezone"`
	Coins    []string `json:"coins"`
	Time     string   `json:"time"`
}

// JSONFile keeps subscribers in a single JSON document.
// Every write replaces the whole file through a temp file and rename.
type JSONFile struct {
	path     string
	defaults Defaults

	mu      sync.Mutex
	records map[string]jsonRecord
}

// OpenJSON loads path, upgrading legacy layouts in place. A missing file is
// an empty store.
func OpenJSON(path string, defaults Defaults) (*JSONFile, error) {
	f := &JSONFile{path: path, defaults: defaults, records: map[string]jsonRecord{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	records, changed, err := UpgradeLegacy(raw, defaults)
	if err != nil {
		return nil, fmt.Errorf("upgrade %s: %w", path, err)
	}
	if changed {
		if err := writeFileAtomic(path+".bak", raw); err != nil {
			return nil, fmt.Errorf("backup %s: %w", path, err)
		}
		if err := f.save(records); err != nil {
			return nil, err
		}
	}
	f.records = records
	return f, nil
}

// UpgradeJSONFile upgrades a legacy file in place and reports whether it
// had to be rewritten.
func UpgradeJSONFile(path string, defaults Defaults) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	records, changed, err := UpgradeLegacy(raw, defaults)
	if err != nil || !changed {
		return false, err
	}
	if err := writeFileAtomic(path+".bak", raw); err != nil {
		return false, err
	}
	f := &JSONFile{path: path}
	return true, f.save(records)
}

// UpgradeLegacy decodes any known subscriber file layout into the current one.
// Known layouts:
//   - list of IDs (strings or numbers)
//   - map of ID to timezone name
//   - map of ID to record, possibly with missing fields
//
// Missing fields are filled from defaults; known timezones are kept.
// changed is false when raw already is in the current layout.
func UpgradeLegacy(raw []byte, defaults Defaults) (map[string]jsonRecord, bool, error) {
	raw = bytes.TrimSpace(raw)
	records := map[string]jsonRecord{}
	if len(raw) == 0 {
		return records, false, nil
	}

	switch raw[0] {
	case '[':
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var ids []any
		if err := dec.Decode(&ids); err != nil {
			return nil, false, err
		}
		for _, v := range ids {
			id, err := legacyID(v)
			if err != nil {
				return nil, false, err
			}
			records[id] = defaultRecord(defaults, defaults.Timezone)
		}
		return records, true, nil

	case '{':
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, false, err
		}
		changed := false
		for id, v := range entries {
			rec, filled, err := upgradeEntry(v, defaults)
			if err != nil {
				return nil, false, fmt.Errorf("subscriber %s: %w", id, err)
			}
			records[id] = rec
			changed = changed || filled
		}
		return records, changed, nil

	default:
		return nil, false, errors.New("unknown subscriber file format")
	}
}

func upgradeEntry(v json.RawMessage, d Defaults) (jsonRecord, bool, error) {
	v = bytes.TrimSpace(v)
	if len(v) > 0 && v[0] == '"' {
		var tz string
		if err := json.Unmarshal(v, &tz); err != nil {
			return jsonRecord{}, false, err
		}
		if tz == "" {
			tz = d.Timezone
		}
		return defaultRecord(d, tz), true, nil
	}

	var partial struct {
		Timezone *string  `json:"timezone"`
		Coins    []string `json:"coins"`
		Time     *string  `json:"time"`
	}
	if err := json.Unmarshal(v, &partial); err != nil {
		return jsonRecord{}, false, err
	}

	rec := jsonRecord{}
	filled := false
	if partial.Timezone != nil && *partial.Timezone != "" {
		rec.Timezone = *partial.Timezone
	} else {
		rec.Timezone = d.Timezone
		filled = true
	}
	if partial.Coins != nil {
		rec.Coins = NormalizeCoins(partial.Coins)
		if !slices.Equal(rec.Coins, partial.Coins) {
			filled = true
		}
	} else {
		rec.Coins = append([]string(nil), d.Coins...)
		filled = true
	}
	if partial.Time != nil {
		if _, err := ParseDeliveryTime(*partial.Time); err == nil {
			rec.Time = *partial.Time
		}
	}
	if rec.Time == "" {
		rec.Time = d.DeliveryTime.String()
		filled = true
	}
	return rec, filled, nil
}

func defaultRecord(d Defaults, tz string) jsonRecord {
	return jsonRecord{
		Timezone: tz,
		Coins:    append([]string(nil), d.Coins...),
		Time:     d.DeliveryTime.String(),
	}
}

func legacyID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("unexpected subscriber id %v", v)
	}
}

// Get returns a subscriber by ID
func (f *JSONFile) Get(_ context.Context, id string) (*Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.subscriber(id)
}

// GetAll returns every subscriber ordered by ID
func (f *JSONFile) GetAll(_ context.Context) ([]Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		sub, err := f.records[id].subscriber(id)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// Upsert inserts or replaces a subscriber
func (f *JSONFile) Upsert(_ context.Context, sub Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.copyRecords()
	coins := sub.Coins
	if coins == nil {
		coins = []string{}
	}
	next[sub.ID] = jsonRecord{
		Timezone: sub.Timezone,
		Coins:    append([]string(nil), coins...),
		Time:     sub.DeliveryTime.String(),
	}
	if err := f.save(next); err != nil {
		return err
	}
	f.records = next
	return nil
}

// Delete removes a subscriber, returns true if it existed
func (f *JSONFile) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.records[id]; !ok {
		return false, nil
	}
	next := f.copyRecords()
	delete(next, id)
	if err := f.save(next); err != nil {
		return false, err
	}
	f.records = next
	return true, nil
}

// Close is a no-op; every write is already durable.
func (f *JSONFile) Close() error {
	return nil
}

func (f *JSONFile) copyRecords() map[string]jsonRecord {
	next := make(map[string]jsonRecord, len(f.records)+1)
	for id, rec := range f.records {
		next[id] = rec
	}
	return next
}

func (f *JSONFile) save(records map[string]jsonRecord) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := writeFileAtomic(f.path, data); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

func (r jsonRecord) subscriber(id string) (*Subscriber, error) {
	t, err := ParseDeliveryTime(r.Time)
	if err != nil {
		return nil, fmt.Errorf("subscriber %s: %w", id, err)
	}
	coins := r.Coins
	if coins == nil {
		coins = []string{}
	}
	return &Subscriber{
		ID:           id,
		Timezone:     r.Timezone,
		Coins:        append([]string(nil), coins...),
		DeliveryTime: t,
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
