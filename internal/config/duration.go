package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a config duration written as a Go duration string ("30s",
// "1m30s") or a plain number of seconds. Zero means "use the default".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	var out time.Duration
	switch x := v.(type) {
	case nil:
	case float64:
		out = time.Duration(x * float64(time.Second))
	case string:
		if s := strings.TrimSpace(x); s != "" {
			p, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid duration %q", x)
			}
			out = p
		}
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	if out < 0 {
		return fmt.Errorf("invalid duration %s: must be >= 0", b)
	}
	*d = Duration(out)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) String() string { return time.Duration(d).String() }

// Or returns def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

// check rejects negative values built outside the decoder.
func (d Duration) check(path string) error {
	if d < 0 {
		return fmt.Errorf("%s: duration must be >= 0 (got %s)", path, d)
	}
	return nil
}
