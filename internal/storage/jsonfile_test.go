package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscribers.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestOpenJSON_UpgradesListLayout(t *testing.T) {
	path := writeTestFile(t, `["111","222"]`)
	defaults := DefaultSettings()

	store, err := OpenJSON(path, defaults)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	sub, err := store.Get(context.Background(), "111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Timezone != "Asia/Shanghai" {
		t.Fatalf("want legacy default timezone, got %q", sub.Timezone)
	}
	if sub.DeliveryTime.String() != "08:00" {
		t.Fatalf("want 08:00, got %s", sub.DeliveryTime)
	}
	if !reflect.DeepEqual(sub.Coins, defaults.Coins) {
		t.Fatalf("want default coins, got %v", sub.Coins)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected backup of legacy file: %v", err)
	}

	// The rewritten file must already be in the current layout.
	upgraded, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	first, changed, err := UpgradeLegacy(upgraded, defaults)
	if err != nil {
		t.Fatalf("re-upgrade: %v", err)
	}
	if changed {
		t.Fatal("expected second upgrade to be a no-op")
	}
	if len(first) != 2 {
		t.Fatalf("want 2 records, got %d", len(first))
	}

	reopened, err := OpenJSON(path, defaults)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again, err := reopened.Get(context.Background(), "111")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !reflect.DeepEqual(sub, again) {
		t.Fatalf("record changed across re-migration: %+v vs %+v", sub, again)
	}
}

func TestUpgradeLegacy_NumericIDs(t *testing.T) {
	records, changed, err := UpgradeLegacy([]byte(`[123456789, 42]`), DefaultSettings())
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !changed {
		t.Fatal("expected list layout to be upgraded")
	}
	if _, ok := records["123456789"]; !ok {
		t.Fatalf("numeric id not preserved: %v", records)
	}
}

func TestUpgradeLegacy_TimezoneMapKeepsZone(t *testing.T) {
	records, changed, err := UpgradeLegacy([]byte(`{"7": "Europe/Berlin", "8": ""}`), DefaultSettings())
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !changed {
		t.Fatal("expected timezone map to be upgraded")
	}
	if records["7"].Timezone != "Europe/Berlin" {
		t.Fatalf("known timezone lost: %+v", records["7"])
	}
	if records["8"].Timezone != "Asia/Shanghai" {
		t.Fatalf("empty timezone should default: %+v", records["8"])
	}
	if records["7"].Time != "08:00" {
		t.Fatalf("want default time, got %q", records["7"].Time)
	}
}

func TestUpgradeLegacy_FillsMissingFields(t *testing.T) {
	raw := `{"1": {"timezone": "UTC", "coins": ["solana"]}, "2": {"coins": [], "time": "21:30"},
		"3": {"timezone": "UTC", "coins": ["Bitcoin", " ethereum", "bitcoin"], "time": "06:00"}}`
	records, changed, err := UpgradeLegacy([]byte(raw), DefaultSettings())
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !changed {
		t.Fatal("expected partial records to be filled")
	}
	if records["1"].Time != "08:00" || records["1"].Coins[0] != "solana" {
		t.Fatalf("unexpected record 1: %+v", records["1"])
	}
	if records["2"].Timezone != "Asia/Shanghai" || records["2"].Time != "21:30" {
		t.Fatalf("unexpected record 2: %+v", records["2"])
	}
	if len(records["2"].Coins) != 0 {
		t.Fatalf("explicit empty coin list must be kept: %+v", records["2"])
	}
	if !reflect.DeepEqual(records["3"].Coins, []string{"bitcoin", "ethereum"}) {
		t.Fatalf("coins not normalized: %v", records["3"].Coins)
	}
}

func TestUpgradeLegacy_UnnormalizedCoinsRewrite(t *testing.T) {
	raw := `{"1": {"timezone": "UTC", "coins": ["Bitcoin"], "time": "07:15"}}`
	records, changed, err := UpgradeLegacy([]byte(raw), DefaultSettings())
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !changed {
		t.Fatal("mixed-case coins must mark the file for rewrite")
	}
	if !reflect.DeepEqual(records["1"].Coins, []string{"bitcoin"}) {
		t.Fatalf("coins = %v", records["1"].Coins)
	}
}

func TestUpgradeLegacy_CurrentLayoutUnchanged(t *testing.T) {
	raw := `{"1": {"timezone": "UTC", "coins": ["bitcoin"], "time": "07:15"}}`
	_, changed, err := UpgradeLegacy([]byte(raw), DefaultSettings())
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if changed {
		t.Fatal("current layout must not be rewritten")
	}
}

func TestUpgradeLegacy_RejectsUnknownLayout(t *testing.T) {
	if _, _, err := UpgradeLegacy([]byte(`"nope"`), DefaultSettings()); err == nil {
		t.Fatal("expected error for unknown layout")
	}
}

func TestJSONFile_UpsertDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subs.json")

	store, err := OpenJSON(path, DefaultSettings())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	sub := DefaultSettings().NewSubscriber("99")
	sub.Coins = []string{"solana"}
	sub.DeliveryTime = DeliveryTime{Hour: 18, Minute: 5}
	if err := store.Upsert(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reopened, err := OpenJSON(path, DefaultSettings())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeliveryTime.String() != "18:05" || got.Coins[0] != "solana" {
		t.Fatalf("unexpected record: %+v", got)
	}

	removed, err := reopened.Delete(ctx, "99")
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	removed, err = reopened.Delete(ctx, "99")
	if err != nil || removed {
		t.Fatalf("second delete: removed=%v err=%v", removed, err)
	}
	if _, err := reopened.Get(ctx, "99"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestJSONFile_FailedWriteKeepsState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "missing-dir", "subs.json")

	store, err := OpenJSON(path, DefaultSettings())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Upsert(ctx, DefaultSettings().NewSubscriber("1")); err == nil {
		t.Fatal("expected write error for missing directory")
	}
	if _, err := store.Get(ctx, "1"); err != ErrNotFound {
		t.Fatalf("failed write must not change state, got %v", err)
	}
}
