package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/driver/drivertest"
)

func TestConformance(t *testing.T) {
	for _, live := range []bool{false, true} {
		name := "local"
		if live {
			name = "cross_instance"
		}
		t.Run(name, func(t *testing.T) {
			paths := map[*testing.T]string{}
			cfg := driver.Config{Name: Name, Throttle: 5 * time.Millisecond, CrossInstanceLive: live}
			drivertest.Run(t, drivertest.Harness{
				Config: cfg,
				Open: func(t *testing.T) driver.Driver {
					p, ok := paths[t]
					if !ok {
						p = filepath.Join(t.TempDir(), "odb.sqlite")
						paths[t] = p
					}
					c := cfg
					c.Props = map[string]string{"path": p}
					d, err := Open(t.Context(), c)
					if err != nil {
						t.Fatalf("Open() failed: %v", err)
					}
					return d
				},
			})
		})
	}
}

func TestWhere(t *testing.T) {
	tests := []struct {
		name  string
		q     driver.Query
		want  string
		nargs int
	}{
		{"empty", driver.Query{}, "", 0},
		{"key", driver.Query{"id": "u1"}, "key IN (?)", 1},
		{"in", driver.Query{"name": driver.In("a", "b")}, "json_extract(data, '$.name') IN (?,?)", 2},
		{"nil left to match", driver.Query{"name": nil}, "", 0},
		{"quoted field left to match", driver.Query{"a'b": "x"}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := where(tt.q)
			if got != tt.want || len(args) != tt.nargs {
				t.Errorf("where() = %q, %v; want %q with %d args", got, args, tt.want, tt.nargs)
			}
		})
	}
}

func TestReopen(t *testing.T) {
	ctx := t.Context()
	cfg := driver.Config{Name: Name, Props: map[string]string{"path": filepath.Join(t.TempDir(), "odb.sqlite")}}
	d, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Insert(ctx, "users", driver.Record{"id": "u1", "age": 30}); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	d, err = Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	got, err := d.Find(ctx, "users", driver.Query{"age": 30})
	if err != nil || got.Key() != "u1" {
		t.Errorf("Find(age=30) after reopen = %v, %v", got, err)
	}
}
