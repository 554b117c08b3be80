package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/runner"
)

const (
	filterTimeLayout = "2006-01-02 15:04:05"
	outputTimeLayout = "20060102150405"
)

// ParseFilter reads retrieve command data: empty for everything, an integer
// session id, or a "YYYY-MM-DD HH:MM:SS" lower time bound (UTC)
func ParseFilter(data string) (db.Filter, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return db.Filter{}, nil
	}
	if id, err := strconv.ParseInt(data, 10, 64); err == nil {
		if id <= 0 {
			return db.Filter{}, fmt.Errorf("%w: session id must be positive, got %d", runner.ErrProtocol, id)
		}
		return db.Filter{SessionID: id}, nil
	}
	if ts, err := time.ParseInLocation(filterTimeLayout, data, time.UTC); err == nil {
		return db.Filter{Since: ts}, nil
	}
	return db.Filter{}, fmt.Errorf("%w: filter %q is neither a session id nor a %s timestamp", runner.ErrProtocol, data, filterTimeLayout)
}

// OutputName is the retrieve output file name for a command issued at now
func OutputName(now time.Time, t db.Table, data string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, strings.TrimSpace(data))
	return fmt.Sprintf("cmd%s_%s_%s", now.UTC().Format(outputTimeLayout), t.Short, clean)
}

func (d *Dispatcher) retrieve(t db.Table) builtin {
	return func(ctx context.Context, cmd db.Command) runner.Outcome {
		f, err := ParseFilter(cmd.Data)
		if err != nil {
			return fail(err)
		}
		rows, err := d.store.Retrieve(ctx, t, f)
		if err != nil {
			return fail(err)
		}

		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.JSONValue())
		}
		body, err := json.Marshal(out)
		if err != nil {
			return fail(err)
		}

		dir := d.store.Paths().OutputDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("failed to create output directory: %w", err))
		}
		path := filepath.Join(dir, OutputName(d.store.Now(), t, cmd.Data))
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return fail(fmt.Errorf("failed to write %s: %w", path, err))
		}
		return ok("%d %s rows written to %s", len(rows), t.Name, path)
	}
}

func (d *Dispatcher) createSession(ctx context.Context, _ db.Command) runner.Outcome {
	session, err := d.store.IncrementSession(ctx)
	if err != nil {
		return fail(err)
	}
	return ok("recording session %d created", session)
}

func (d *Dispatcher) call(ctx context.Context, cmd db.Command) runner.Outcome {
	number := strings.TrimSpace(cmd.Data)
	if number == "" {
		return fail(fmt.Errorf("%w: CALL needs a number", runner.ErrProtocol))
	}
	if err := d.duplex.Call(ctx, number); err != nil {
		return fail(err)
	}
	return ok("calling %s", number)
}

func (d *Dispatcher) hangup(ctx context.Context, _ db.Command) runner.Outcome {
	if err := d.duplex.Hangup(ctx); err != nil {
		return fail(err)
	}
	return ok("call ended")
}

func (d *Dispatcher) syncTable(t db.Table) builtin {
	return func(ctx context.Context, _ db.Command) runner.Outcome {
		if d.syncer == nil {
			return fail(fmt.Errorf("ground synchronisation not configured"))
		}
		if err := d.syncer.Sync(ctx, t); err != nil {
			return fail(err)
		}
		return ok("%s synchronised", t.Name)
	}
}

func (d *Dispatcher) syncAll(ctx context.Context, _ db.Command) runner.Outcome {
	if d.syncer == nil {
		return fail(fmt.Errorf("ground synchronisation not configured"))
	}
	if err := d.syncer.SyncAll(ctx); err != nil {
		return fail(err)
	}
	return ok("all tables synchronised")
}

func (d *Dispatcher) beacon(on bool) builtin {
	return func(ctx context.Context, _ db.Command) runner.Outcome {
		if err := d.store.SetBeaconEnabled(ctx, on); err != nil {
			return fail(err)
		}
		if on {
			return ok("beacon enabled")
		}
		return ok("beacon disabled")
	}
}

func (d *Dispatcher) alarm(on bool) builtin {
	return func(ctx context.Context, _ db.Command) runner.Outcome {
		if err := d.store.SetAlarm(ctx, on); err != nil {
			return fail(err)
		}
		if on {
			return ok("alarm set")
		}
		return ok("alarm cleared")
	}
}

// setTiming expects comma separated rate=seconds pairs
func (d *Dispatcher) setTiming(ctx context.Context, cmd db.Command) runner.Outcome {
	rates := make(map[string]float64)
	for _, pair := range strings.Split(cmd.Data, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		col, val, found := strings.Cut(pair, "=")
		col = strings.ToLower(strings.TrimSpace(col))
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if !found || err != nil || !db.IsRateColumn(col) || v <= 0 {
			return fail(fmt.Errorf("%w: bad timing %q", runner.ErrProtocol, pair))
		}
		rates[col] = v
	}
	if len(rates) == 0 {
		return fail(fmt.Errorf("%w: SET_TIMING needs rate=seconds pairs", runner.ErrProtocol))
	}
	if err := d.store.SetTiming(ctx, rates); err != nil {
		return fail(err)
	}
	return ok("timing updated, engine will rebuild")
}
