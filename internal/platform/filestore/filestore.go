// Package filestore keeps JSON documents as flat files in one directory.
// The filesystem is an afero.Fs so tests can run against memory.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
)

// Document is one parseable JSON file.
type Document struct {
	Name    string                 `json:"filename"`
	Payload map[string]interface{} `json:"data"`
	Size    int64                  `json:"size"`
	ModTime time.Time              `json:"modified_at"`
}

type Store struct {
	fs  afero.Fs
	dir string
}

func New(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir}
}

// NewOS stores files under dir on the local disk.
func NewOS(dir string) *Store {
	return New(afero.NewOsFs(), dir)
}

func (s *Store) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." ||
		!strings.HasSuffix(strings.ToLower(name), ".json") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return path.Join(s.dir, name), nil
}

// WriteJSON stores payload as indented UTF-8 JSON.
func (s *Store) WriteJSON(ctx context.Context, name string, payload interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.WriteRaw(ctx, name, buf.Bytes())
}

// WriteRaw stores data as-is. The write goes to a temporary file that is
// renamed into place, so readers never see a partial document.
func (s *Store) WriteRaw(_ context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.dir, err)
	}
	tmp := path.Join(s.dir, "."+uuid.NewString()+".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// ReadAll returns every readable .json document, newest first. A missing
// directory yields no documents. Unreadable or malformed files are skipped.
func (s *Store) ReadAll(ctx context.Context) ([]Document, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	log := zerolog.Ctx(ctx)
	var docs []Document
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		data, err := afero.ReadFile(s.fs, path.Join(s.dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable json file")
			continue
		}
		payload, err := Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping malformed json file")
			continue
		}
		docs = append(docs, Document{Name: name, Payload: payload, Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].ModTime.Equal(docs[j].ModTime) {
			return docs[i].ModTime.After(docs[j].ModTime)
		}
		return docs[i].Name < docs[j].Name
	})
	return docs, nil
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, p)
}

func (s *Store) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Decode parses a UTF-8 JSON object, keeping numbers as json.Number.
func Decode(data []byte) (map[string]interface{}, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("document is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("document is not a JSON object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	return payload, nil
}
