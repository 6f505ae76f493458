package statestore

import (
	"path/filepath"
	"testing"

	"github.com/anodyne74/diagcore/connstate"
)

func TestJSONStoreRoundTripsConnection(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	info := connstate.ConnectionStateInfo{
		ConnectionID: "c1",
		ScannerID:    "scanner-1",
		ScannerType:  connstate.ScannerUSB,
		State:        connstate.StateConnected,
	}
	if err := store.SaveConnection(info); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadAllConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ConnectionID != "c1" {
		t.Fatalf("loaded = %+v", loaded)
	}

	if _, err := filepath.Glob(filepath.Join(dir, "connections", "c1.json")); err != nil {
		t.Fatal(err)
	}
}

func TestJSONStoreRemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	store.SaveConnection(connstate.ConnectionStateInfo{ConnectionID: "a"})
	store.SaveConnection(connstate.ConnectionStateInfo{ConnectionID: "b"})

	if err := store.RemoveConnection("a"); err != nil {
		t.Fatal(err)
	}
	loaded, _ := store.LoadAllConnections()
	if len(loaded) != 1 {
		t.Fatalf("expected 1 connection after remove, got %d", len(loaded))
	}

	if err := store.ClearAll(); err != nil {
		t.Fatal(err)
	}
	loaded, _ = store.LoadAllConnections()
	if len(loaded) != 0 {
		t.Fatalf("expected 0 connections after clear, got %d", len(loaded))
	}
}

func TestJSONStoreGlobalStateDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	g, err := store.LoadGlobal()
	if err != nil {
		t.Fatal(err)
	}
	if g.ActiveConnections != 0 {
		t.Errorf("expected zero-value GlobalState, got %+v", g)
	}
}
