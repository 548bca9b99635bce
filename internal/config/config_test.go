package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/maruel/odb/internal/drivers/memdb"
	_ "github.com/maruel/odb/internal/drivers/sqlite"
)

func TestLoad(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		if c.Driver.Name != "memdb" || c.Workers != 4 {
			t.Errorf("Load() = %+v, want defaults", c)
		}
	})
	t.Run("file", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "odb.yaml")
		data := `driver:
  name: sqlite
  props:
    path: /tmp/odb.sqlite
  throttle: 50ms
  cross_instance_live: true
workers: 2
log_level: debug
`
		if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		c, err := Load(p)
		if err != nil {
			t.Fatal(err)
		}
		if c.Driver.Name != "sqlite" || c.Driver.Prop("path", "") != "/tmp/odb.sqlite" {
			t.Errorf("Driver = %+v", c.Driver)
		}
		if c.Driver.Throttle != 50*time.Millisecond || !c.Driver.CrossInstanceLive {
			t.Errorf("Driver = %+v", c.Driver)
		}
		if c.Workers != 2 || c.LogLevel != "debug" || c.Listen != "localhost:8080" {
			t.Errorf("Load() = %+v", c)
		}
	})
	t.Run("round trip", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "odb.yaml")
		want := Default()
		want.JWTSecret = "0123456789abcdef"
		if err := want.Save(p); err != nil {
			t.Fatal(err)
		}
		got, err := Load(p)
		if err != nil {
			t.Fatal(err)
		}
		if got.JWTSecret != want.JWTSecret || got.Driver.Name != want.Driver.Name {
			t.Errorf("Load() = %+v, want %+v", got, want)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Driver.Name = "mongo" }},
		{"negative throttle", func(c *Config) { c.Driver.Throttle = -time.Second }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() succeeded")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
