package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/drivers/memdb"
	"github.com/maruel/odb/internal/drivers/remote"
	"github.com/maruel/odb/internal/odb"
)

// run executes the command line args against a jsonl store in dir.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	base := []string{"--config", filepath.Join(dir, "absent.yaml"), "--driver", "jsonl", "--data-dir", dir, "--log-level", "error"}
	cmd.SetArgs(append(args[:1:1], append(base, args[1:]...)...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "put", "notes", `{"id":"n1","title":"a","n":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "n1" {
		t.Errorf("put = %q", out)
	}
	if _, err := run(t, dir, "put", "notes", `{"id":"n2","title":"b","n":2}`); err != nil {
		t.Fatal(err)
	}

	out, err = run(t, dir, "get", "notes", "n1")
	if err != nil {
		t.Fatal(err)
	}
	var rec driver.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil || rec["title"] != "a" {
		t.Errorf("get = %q, %v", out, err)
	}

	out, err = run(t, dir, "find", "notes", "n=1", "n=2")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out, `"id"`); got != 2 {
		t.Errorf("find returned %d records:\n%s", got, out)
	}

	// put on an existing id replaces the record.
	if _, err := run(t, dir, "put", "notes", `{"id":"n1","title":"c"}`); err != nil {
		t.Fatal(err)
	}
	out, _ = run(t, dir, "get", "notes", "n1")
	if strings.Contains(out, `"n"`) || !strings.Contains(out, `"c"`) {
		t.Errorf("get after replace = %s", out)
	}

	if _, err := run(t, dir, "rm", "notes", "n1"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, dir, "get", "notes", "n1"); err == nil {
		t.Error("get after rm succeeded")
	}

	if _, err := run(t, dir, "put", "notes", `not json`); err == nil {
		t.Error("put with invalid JSON succeeded")
	}
	if _, err := run(t, dir, "find", "notes", "novalue"); err == nil {
		t.Error("find with an invalid predicate succeeded")
	}
}

func TestJobCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "job", "users.create", `{"email":"ann@example.com","name":"Ann"}`)
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(out), &v); err != nil || v["email"] != "ann@example.com" {
		t.Errorf("job = %q, %v", out, err)
	}
	if _, err := run(t, dir, "job", "users.create", `{"email":"ANN@example.com"}`); err == nil {
		t.Error("duplicate create succeeded")
	}
	if _, err := run(t, dir, "job", "nope"); err == nil {
		t.Error("unknown job succeeded")
	}
}

func TestParseQuery(t *testing.T) {
	q, err := parseQuery([]string{"a=1", "b=x", "c=true", "a=2"})
	if err != nil {
		t.Fatal(err)
	}
	if vals, set := driver.Values(q["a"]); !set || len(vals) != 2 {
		t.Errorf("a = %v", q["a"])
	}
	if q["b"] != "x" || q["c"] != true {
		t.Errorf("query = %v", q)
	}
	if _, err := parseQuery([]string{`a={"x":1}`}); err == nil {
		t.Error("object predicate accepted")
	}
}

func TestRouter(t *testing.T) {
	drv := memdb.New(memdb.NewBackend(), driver.Config{Name: memdb.Name})
	t.Cleanup(func() { _ = drv.Close() })
	reg := prometheus.NewRegistry()
	pool, err := newPool(drv, 2, []odb.Option{odb.WithMetrics(reg)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	secret := []byte("0123456789abcdef")
	srv := remote.NewServer(drv, remote.WithSecret(secret))
	ts := httptest.NewServer(newRouter(srv, pool, reg, secret))
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})

	post := func(job, token, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+"/jobs/"+job, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	if resp := post("users.create", "", `{}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d", resp.StatusCode)
	}
	token, err := remote.Token(secret, "admin", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if resp := post("users.create", token, `{}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with expired token = %d", resp.StatusCode)
	}
	token, err = remote.Token(secret, "admin", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp := post("users.create", token, `{"email":"bob@example.com"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var v map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil || v["email"] != "bob@example.com" {
		t.Errorf("create = %v, %v", v, err)
	}
	if resp := post("users.create", token, `{"email":"bob@example.com"}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d", resp.StatusCode)
	}
	if resp := post("users.create", token, `{"email":"nope"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid email status = %d", resp.StatusCode)
	}
	if resp := post("users.create", token, `{`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid body status = %d", resp.StatusCode)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(mresp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "odb_documents_loads_total") {
		t.Errorf("metrics missing odb_documents_loads_total:\n%s", buf.String())
	}
}
