package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/taskmind/internal/export"
	"github.com/kalambet/taskmind/internal/resilience"
)

// FeatureExportFiles guards writes into the output directory.
const FeatureExportFiles = "export.files"

var errNothingToExport = errors.New("export: nothing to export yet")

// Exporter renders the plan deliverable and writes it into Dir. When the
// directory cannot be written the rendered document is returned inline.
type Exporter struct {
	Dir      string
	Features *resilience.Features
	Now      func() time.Time
}

// Call implements Func.
func (e Exporter) Call(ctx context.Context, params map[string]any) (string, error) {
	format, err := export.ParseFormat(String(params, "format"))
	if err != nil {
		return "", resilience.Permanent(err)
	}
	content := firstNonEmpty(params, "content", "deliverable", "previous")
	if content == "" {
		return "", resilience.Permanent(errNothingToExport)
	}
	title := firstNonEmpty(params, "title", "goal")
	if title == "" {
		title = "Result"
	}

	doc, err := export.Render(title, content, format)
	if err != nil {
		return "", resilience.Permanent(err)
	}

	features := e.Features
	if features == nil {
		features = resilience.NewFeatures(nil)
	}
	return resilience.ExecuteFeature(ctx, features, FeatureExportFiles,
		func(context.Context) (string, error) {
			path, err := e.write(title, format, doc)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved %s (%d bytes, %s).", path, len(doc), format), nil
		},
		func(context.Context) (string, error) {
			return fmt.Sprintf("The output directory is not writable; here is the %s document:\n\n%s", format, doc), nil
		},
	)
}

func (e Exporter) write(title string, format export.Format, doc []byte) (string, error) {
	if e.Dir == "" {
		return "", errors.New("no output directory configured")
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	name := fmt.Sprintf("%s-%s%s", Slug(title), now().UTC().Format("20060102-150405"), format.Extension())
	path := filepath.Join(e.Dir, name)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// Slug turns a title into a short lowercase file name stem.
func Slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if r > unicode.MaxASCII {
				r = transliterate(r)
				if r == 0 {
					continue
				}
			}
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 48 {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "result"
	}
	return s
}

func transliterate(r rune) rune {
	switch r {
	case 'ä', 'á', 'à', 'â':
		return 'a'
	case 'ö', 'ó', 'ò', 'ô':
		return 'o'
	case 'ü', 'ú', 'ù', 'û':
		return 'u'
	case 'é', 'è', 'ê':
		return 'e'
	case 'ß':
		return 's'
	}
	return 0
}
