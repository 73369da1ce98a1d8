// Package extract pulls plain text out of uploaded document files.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentExtracts = 4

var wordPattern = regexp.MustCompile(`\b\w+\b`)

// File is one extracted document file.
type File struct {
	Name string
	Text string
}

// Folder extracts text from every supported file in dir, in stable name
// order. Files that cannot be read or parsed contribute empty text rather
// than failing the folder; only listing the directory itself can error.
func Folder(ctx context.Context, dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading folder %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	results := make([]File, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentExtracts)

	for i, name := range names {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = File{
				Name: name,
				Text: FromFile(filepath.Join(dir, name)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FromFile extracts text from a single file based on its extension.
// Unsupported or unparseable files yield an empty string.
func FromFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return fromPDF(path)
	case ".txt", ".md":
		return fromPlain(path)
	default:
		slog.Debug("skipping unsupported file type", "path", path)
		return ""
	}
}

func fromPDF(path string) string {
	f, r, err := pdf.Open(path)
	if err != nil {
		slog.Warn("failed to open pdf", "path", path, "error", err)
		return ""
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		slog.Warn("failed to extract pdf text", "path", path, "error", err)
		return ""
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		slog.Warn("failed to read pdf text", "path", path, "error", err)
		return ""
	}
	return buf.String()
}

func fromPlain(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read file", "path", path, "error", err)
		return ""
	}
	return string(b)
}

// CountWords reports the number of word tokens in text.
func CountWords(text string) int {
	return len(wordPattern.FindAllString(text, -1))
}
