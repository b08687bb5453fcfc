package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

const appName = "taskmind"

// ConfigBackend is the persisted layer under the environment overrides.
// Keys are the dotted names listed in keys.go.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// parseInt converts a stored value to an int. Text must be a plain decimal
// and fractional numbers are rejected.
func parseInt(key string, v any) (int, error) {
	var (
		i   int
		err error
	)
	switch val := v.(type) {
	case string:
		i, err = strconv.Atoi(strings.TrimSpace(val))
	case json.Number:
		i, err = strconv.Atoi(val.String())
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			err = fmt.Errorf("%v is not a whole number in range", val)
		} else {
			i = int(val)
		}
	default:
		i, err = cast.ToIntE(val)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, nil
}
