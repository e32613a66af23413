package registry

import (
	"errors"
	"testing"
)

func TestRegistryInsertOrError(t *testing.T) {
	r := New()

	if err := r.Register("vdo0", "/dev/sdb"); err != nil {
		t.Fatal(err)
	}

	if err := r.Register("vdo0", "/dev/sdc"); !errors.Is(err, ErrPoolExists) {
		t.Errorf("Expected ErrPoolExists, got %v", err)
	}
	if err := r.Register("vdo1", "/dev/sdb"); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Expected ErrDeviceBusy, got %v", err)
	}

	device, ok := r.Lookup("vdo0")
	if !ok || device != "/dev/sdb" {
		t.Errorf("Lookup(vdo0) = %q, %v", device, ok)
	}
	pool, ok := r.LookupDevice("/dev/sdb")
	if !ok || pool != "vdo0" {
		t.Errorf("LookupDevice(/dev/sdb) = %q, %v", pool, ok)
	}
}

func TestRegistryUnregisterReleasesBoth(t *testing.T) {
	r := New()
	if err := r.Register("vdo0", "/dev/sdb"); err != nil {
		t.Fatal(err)
	}
	r.Unregister("vdo0")
	r.Unregister("vdo0") // unknown pools are ignored

	if err := r.Register("vdo1", "/dev/sdb"); err != nil {
		t.Errorf("device should be reusable after unregister: %v", err)
	}
	if err := r.Register("vdo0", "/dev/sdc"); err != nil {
		t.Errorf("pool name should be reusable after unregister: %v", err)
	}
}
