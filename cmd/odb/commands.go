package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/jobs"
	"github.com/maruel/odb/internal/modules/users"
	"github.com/maruel/odb/internal/odb"
	"github.com/maruel/odb/internal/validator"
)

// withDriver opens the configured driver for the duration of fn.
func (o *rootOptions) withDriver(cmd *cobra.Command, fn func(ctx context.Context, drv driver.Driver) error) error {
	ctx := cmd.Context()
	drv, err := o.open(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, drv)
	if err2 := drv.Close(); err == nil {
		err = err2
	}
	return err
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <key>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				rec, err := drv.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if rec == nil {
					return errors.NotFound(args[0] + "/" + args[1])
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newFindCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "find <collection> [field=value...]",
		Short: "Print the records matching every predicate",
		Long: "Values are parsed as JSON and fall back to strings. A field repeated\n" +
			"several times matches any of its values.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuery(args[1:])
			if err != nil {
				return err
			}
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				w := cmd.OutOrStdout()
				for rec, err := range drv.FindAll(ctx, args[0], q) {
					if err != nil {
						return err
					}
					if err := printJSON(w, rec); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newPutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <collection> <json>",
		Short: "Insert a record, or update it when its id exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseRecord(args[1])
			if err != nil {
				return err
			}
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				key, err := put(ctx, drv, args[0], rec)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
				return err
			})
		},
	}
}

func newRmCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <collection> <key>",
		Short: "Remove one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				return drv.Remove(ctx, args[0], args[1])
			})
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <collection>",
		Short: "Print change events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				return watch(ctx, drv, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func newJobCommand(opts *rootOptions) *cobra.Command {
	user := ""
	cmd := &cobra.Command{
		Use:   "job <name> [json]",
		Short: "Run one job and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("invalid payload: %w", err)
				}
			}
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				p, err := newPool(drv, 1, nil)
				if err != nil {
					return err
				}
				defer p.Close()
				resp, err := p.Do(ctx, args[0], user, payload)
				if err != nil {
					return err
				}
				if resp.Error != nil {
					return errors.New(resp.Error.Code, resp.Error.Error)
				}
				var out any
				if err := resp.Decode(&out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user running the job; empty for a system job")
	return cmd
}

// newPool returns a job pool running the registered modules over drv.
func newPool(drv driver.Driver, workers int, dbOpts []odb.Option) (*jobs.Pool, error) {
	mux := jobs.NewMux()
	users.Register(mux)
	reg := validator.NewRegistry(users.Validators()...)
	dbOpts = append([]odb.Option{odb.WithValidators(reg)}, dbOpts...)
	return jobs.NewPool(mux, drv, jobs.WithWorkers(workers), jobs.WithDBOptions(dbOpts...))
}

// put inserts rec, or updates the record stored under its id.
func put(ctx context.Context, drv driver.Driver, collection string, rec driver.Record) (string, error) {
	if key := rec.Key(); key != "" {
		existing, err := drv.Get(ctx, collection, key)
		if err != nil {
			return "", err
		}
		if existing != nil {
			patch := rec.Clone()
			delete(patch, "id")
			// Fields absent from rec are removed, put replaces the record.
			for _, f := range existing.Fields() {
				if _, ok := patch[f]; !ok && f != "id" {
					patch[f] = nil
				}
			}
			return key, drv.Update(ctx, collection, key, patch)
		}
	}
	return drv.Insert(ctx, collection, rec)
}

// watch prints the events of collection as JSON lines until ctx is done.
func watch(ctx context.Context, drv driver.Driver, collection string, w io.Writer) error {
	var mu sync.Mutex
	var werr error
	unsub, err := drv.Subscribe(collection, func(ev driver.Event) {
		mu.Lock()
		defer mu.Unlock()
		if werr == nil {
			werr = json.NewEncoder(w).Encode(ev)
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	unsub()
	mu.Lock()
	defer mu.Unlock()
	return werr
}

func parseRecord(s string) (driver.Record, error) {
	var rec driver.Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, errors.Invalid(fmt.Sprintf("invalid record: %v", err))
	}
	return driver.Normalize(rec)
}

// parseQuery parses field=value terms.
func parseQuery(terms []string) (driver.Query, error) {
	values := map[string][]any{}
	for _, t := range terms {
		field, raw, ok := strings.Cut(t, "=")
		if !ok || field == "" {
			return nil, errors.Invalid(fmt.Sprintf("invalid predicate %q, want field=value", t))
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[field] = append(values[field], v)
	}
	q := driver.Query{}
	for f, v := range values {
		if len(v) == 1 {
			q[f] = v[0]
		} else {
			q[f] = driver.In(v...)
		}
	}
	return q, q.Validate()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
