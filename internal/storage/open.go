package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"

	logx "slotd/pkg/logx"
)

// Store is the slot event journal.
type Store interface {
	Append(ctx context.Context, r Record) error

	// Events returns the records matching q, newest first.
	Events(ctx context.Context, q Query) ([]Record, error)

	Close() error
}

// Query selects journal records. Empty filters match everything and a
// non-positive Limit returns every retained record.
type Query struct {
	Limit        int
	JobID        string
	AllocationID string
}

func (q Query) match(r Record) bool {
	return (q.JobID == "" || q.JobID == r.JobID) &&
		(q.AllocationID == "" || q.AllocationID == r.AllocationID)
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Driver normalizes a configured driver name. "" and "none" disable the
// journal and normalize to "".
func Driver(name string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(name))
	if d == "" || d == "none" {
		return "", nil
	}
	if _, ok := drivers[d]; !ok {
		known := make([]string, 0, len(drivers))
		for k := range drivers {
			known = append(known, k)
		}
		slices.Sort(known)
		return "", fmt.Errorf("unknown storage driver %q (want one of %s)", name, strings.Join(known, ", "))
	}
	return d, nil
}

// Open opens the configured journal. It returns (nil, nil) when the journal
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver, err := Driver(cfg.Driver)
	if err != nil || driver == "" {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return drivers[driver](cfg, log.Component("storage").With(logx.String("driver", driver)))
}
