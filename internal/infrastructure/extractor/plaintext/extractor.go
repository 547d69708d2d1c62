package plaintext

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

var supportedExtensions = map[string]struct{}{
	".txt": {},
	".md":  {},
}

// CorpusReader reads a corpus laid out as <root>/<profile-dir>/**/*.txt|*.md.
// The first path segment names the profile of every file below it.
type CorpusReader struct{}

func NewCorpusReader() *CorpusReader {
	return &CorpusReader{}
}

// Walk calls fn once per supported file in lexical order. Per-file problems
// are passed to fn as ErrInvalidInput; an unknown profile directory is passed
// as ErrConfiguration. Walk stops as soon as fn returns an error.
func (r *CorpusReader) Walk(ctx context.Context, root string, fn func(domain.Document, error) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return domain.WrapError(domain.ErrConfiguration, "open corpus", err)
	}
	if !info.IsDir() {
		return domain.WrapError(domain.ErrConfiguration, "open corpus", fmt.Errorf("%s is not a directory", root))
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", path, err)
		}
		if rel == "." || d == nil {
			return walkErr
		}
		sourceID := filepath.ToSlash(rel)
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if walkErr != nil {
			return fn(domain.Document{SourceID: sourceID, Path: path}, domain.WrapError(domain.ErrInvalidInput, "walk corpus", walkErr))
		}

		top, _, nested := strings.Cut(sourceID, "/")
		if d.IsDir() {
			if nested {
				return nil
			}
			if _, err := domain.ParseProfile(top); err != nil {
				return fn(domain.Document{SourceID: sourceID, Path: path}, domain.WrapError(domain.ErrConfiguration, "resolve profile directory", err))
			}
			return nil
		}
		if !nested {
			return fn(domain.Document{SourceID: sourceID, Path: path}, domain.WrapError(domain.ErrInvalidInput, "resolve profile", errors.New("file outside of a profile directory")))
		}
		if _, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		profile, err := domain.ParseProfile(top)
		if err != nil {
			return fn(domain.Document{SourceID: sourceID, Path: path}, domain.WrapError(domain.ErrConfiguration, "resolve profile directory", err))
		}
		doc, err := readDocument(path, sourceID, profile)
		return fn(doc, err)
	})
}

func readDocument(path, sourceID string, profile domain.Profile) (domain.Document, error) {
	doc := domain.Document{SourceID: sourceID, Profile: profile, Path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, domain.WrapError(domain.ErrInvalidInput, "read source document", err)
	}
	if !utf8.Valid(raw) {
		return doc, domain.WrapError(domain.ErrInvalidInput, "read source document", fmt.Errorf("unsupported binary format: %s", sourceID))
	}

	sum := sha256.Sum256(raw)
	doc.Digest = hex.EncodeToString(sum[:])
	doc.Text = strings.TrimSpace(strings.TrimPrefix(string(raw), "\ufeff"))
	if doc.Text == "" {
		return doc, domain.WrapError(domain.ErrInvalidInput, "read source document", fmt.Errorf("empty document: %s", sourceID))
	}
	return doc, nil
}
