package pebbledb

import (
	"testing"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/driver/drivertest"
)

func TestConformance(t *testing.T) {
	drivertest.Run(t, drivertest.Harness{
		Config: driver.Config{Name: Name},
		Open: func(t *testing.T) driver.Driver {
			d, err := Open(t.Context(), driver.Config{Name: Name, Props: map[string]string{"dir": t.TempDir()}})
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			return d
		},
	})
}

func TestKeyRanges(t *testing.T) {
	ctx := t.Context()
	d, err := Open(ctx, driver.Config{Name: Name, Props: map[string]string{"dir": t.TempDir()}})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	// "user" is a prefix of "users" but must not see its records.
	if _, err := d.Insert(ctx, "users", driver.Record{"id": "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Insert(ctx, "user", driver.Record{"id": "x"}); err != nil {
		t.Fatal(err)
	}
	n := 0
	for rec, err := range d.FindAll(ctx, "user", driver.Query{}) {
		if err != nil {
			t.Fatal(err)
		}
		if rec.Key() != "x" {
			t.Errorf("record %v leaked from another collection", rec)
		}
		n++
	}
	if n != 1 {
		t.Errorf("FindAll() yielded %d records, want 1", n)
	}
}

func TestCrossInstanceRejected(t *testing.T) {
	_, err := Open(t.Context(), driver.Config{Name: Name, CrossInstanceLive: true, Props: map[string]string{"dir": t.TempDir()}})
	if err == nil {
		t.Error("Open() accepted cross instance live events")
	}
}
