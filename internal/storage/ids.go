package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<unix millis>_<6 random hex chars>".
func NewID(prefix string) string {
	return NewIDAt(prefix, time.Now())
}

func NewIDAt(prefix string, t time.Time) string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", prefix, t.UnixMilli(), r[:6])
}
