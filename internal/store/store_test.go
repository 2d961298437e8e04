package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"linman/internal/device"
	"linman/internal/dmi"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "snapshots.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDevices(n int) []device.Device {
	devs := make([]device.Device, n)
	for i := range devs {
		devs[i] = device.Device{
			ID:     device.StableID("pci", "0000:00:0"+string(rune('0'+i))+".0"),
			Class:  device.ClassPCI,
			Name:   "dev",
			Driver: "e1000e",
		}
	}
	return devs
}

func TestLatestSnapshotEmpty(t *testing.T) {
	s := testStore(t)

	gen, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if gen != nil {
		t.Fatalf("expected no snapshot, got seq %d", gen.Seq)
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	s := testStore(t)

	seq, err := s.SaveSnapshot(sampleDevices(3))
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("first seq: got %d, want 1", seq)
	}

	gen, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if gen == nil {
		t.Fatal("expected a snapshot")
	}
	if gen.Seq != 1 || len(gen.Devices) != 3 {
		t.Errorf("got seq %d with %d devices, want 1 with 3", gen.Seq, len(gen.Devices))
	}
	if gen.Devices[0].Class != device.ClassPCI || gen.Devices[0].Driver != "e1000e" {
		t.Errorf("device fields lost in round trip: %+v", gen.Devices[0])
	}
}

func TestLatestSnapshotReturnsNewest(t *testing.T) {
	s := testStore(t)

	for i := 1; i <= 3; i++ {
		if _, err := s.SaveSnapshot(sampleDevices(i)); err != nil {
			t.Fatalf("SaveSnapshot %d failed: %v", i, err)
		}
	}

	gen, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if gen.Seq != 3 || len(gen.Devices) != 3 {
		t.Errorf("got seq %d with %d devices, want seq 3 with 3", gen.Seq, len(gen.Devices))
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.SaveSnapshot(sampleDevices(1)); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}

	if err := s.Prune(2); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	var kept int
	s.db.View(func(tx *bolt.Tx) error {
		kept = tx.Bucket(generationsBucket).Stats().KeyN
		return nil
	})
	if kept != 2 {
		t.Errorf("generations after prune: got %d, want 2", kept)
	}

	gen, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if gen == nil || gen.Seq != 5 {
		t.Errorf("newest generation must survive pruning, got %+v", gen)
	}

	// Pruning below the current count is a no-op.
	if err := s.Prune(10); err != nil {
		t.Fatalf("no-op Prune failed: %v", err)
	}
}

func TestDMICacheRoundTrip(t *testing.T) {
	s := testStore(t)

	if _, ok := s.GetDMI("deadbeef"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	modules := []dmi.MemoryModule{
		{Slot: "DIMM_A1", SizeBytes: 8 << 30, SpeedMTs: 3200, Type: "DDR4", Manufacturer: "Kingston"},
	}
	if err := s.PutDMI("deadbeef", modules); err != nil {
		t.Fatalf("PutDMI failed: %v", err)
	}

	got, ok := s.GetDMI("deadbeef")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != 1 || got[0].Slot != "DIMM_A1" || got[0].SizeBytes != 8<<30 {
		t.Errorf("cached modules: got %+v", got)
	}

	if _, ok := s.GetDMI("cafe"); ok {
		t.Error("different hash must miss")
	}
}
