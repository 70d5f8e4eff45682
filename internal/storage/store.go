package storage

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/rs/zerolog"
)

const (
	DefaultPrefix        = "battlelog"
	DefaultCanonicalName = "battlelog_final.parquet"

	snapshotExt = ".parquet"
	stampLayout = "20060102T150405Z"
)

// Options tunes a Store. Zero values fall back to the defaults.
type Options struct {
	Prefix        string
	CanonicalName string
	Compression   compress.Compression
	Logger        zerolog.Logger
	// Now is the clock used to stamp snapshot names.
	Now func() time.Time
}

// Store keeps snapshot tables and the canonical table under one data
// directory. Consumed snapshots can be archived to dataDir/cold.
type Store struct {
	dataDir       string
	coldDir       string
	prefix        string
	canonicalName string
	codec         compress.Compression
	log           zerolog.Logger
	now           func() time.Time
}

// NewStore creates dataDir and its cold directory if needed.
func NewStore(dataDir string, opts Options) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	coldDir := filepath.Join(dataDir, "cold")
	for _, dir := range []string{dataDir, coldDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	s := &Store{
		dataDir:       dataDir,
		coldDir:       coldDir,
		prefix:        opts.Prefix,
		canonicalName: opts.CanonicalName,
		codec:         opts.Compression,
		log:           opts.Logger,
		now:           opts.Now,
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.canonicalName == "" {
		s.canonicalName = DefaultCanonicalName
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// DataDir returns the directory holding snapshots and the canonical table.
func (s *Store) DataDir() string { return s.dataDir }

// CanonicalPath is where the canonical table lives.
func (s *Store) CanonicalPath() string { return filepath.Join(s.dataDir, s.canonicalName) }

// WriteSnapshot persists rec as <prefix>_<UTC stamp>.parquet and returns
// the path. A numeric suffix is added if a file with that stamp exists.
func (s *Store) WriteSnapshot(rec arrow.Record) (string, error) {
	stamp := s.now().UTC().Format(stampLayout)
	base := fmt.Sprintf("%s_%s", s.prefix, stamp)
	path := filepath.Join(s.dataDir, base+snapshotExt)
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(s.dataDir, fmt.Sprintf("%s_%d%s", base, i, snapshotExt))
	}

	if err := writeParquet(path, rec, s.codec); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", filepath.Base(path), err)
	}

	s.log.Debug().
		Str("path", path).
		Int64("rows", rec.NumRows()).
		Int64("columns", rec.NumCols()).
		Msg("Snapshot written")
	return path, nil
}

// Snapshots lists snapshot files oldest first. The canonical table and
// in-flight temp files are excluded.
func (s *Store) Snapshots() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dataDir, s.prefix+"*"+snapshotExt))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []string
	for _, m := range matches {
		name := filepath.Base(m)
		if name == s.canonicalName || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// ReadSnapshot loads one parquet file as a single record.
func (s *Store) ReadSnapshot(ctx context.Context, path string) (arrow.Record, error) {
	return readParquet(ctx, path)
}

// HasCanonical reports whether a canonical table has been written before.
func (s *Store) HasCanonical() bool { return fileExists(s.CanonicalPath()) }

// CanonicalSink returns the sink that replaces the canonical table.
func (s *Store) CanonicalSink() *ParquetSink {
	return &ParquetSink{path: s.CanonicalPath(), codec: s.codec, log: s.log}
}

// Archive gzips a consumed snapshot into the cold directory and removes the
// original.
func (s *Store) Archive(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	coldPath := filepath.Join(s.coldDir, filepath.Base(path)+".gz")
	err = atomicWrite(coldPath, func(w io.Writer) error {
		gz := gzip.NewWriter(w)
		gz.Name = filepath.Base(path)
		if _, err := io.Copy(gz, src); err != nil {
			return err
		}
		return gz.Close()
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", filepath.Base(path), err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove archived snapshot: %w", err)
	}

	s.log.Info().Str("path", path).Str("archive", coldPath).Msg("Snapshot archived")
	return coldPath, nil
}

// ParquetSink writes the canonical record to a fixed path, replacing any
// previous table atomically.
type ParquetSink struct {
	path  string
	codec compress.Compression
	log   zerolog.Logger
}

// Path returns the file the sink writes.
func (p *ParquetSink) Path() string { return p.path }

func (p *ParquetSink) WriteCanonical(ctx context.Context, rec arrow.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeParquet(p.path, rec, p.codec); err != nil {
		return fmt.Errorf("write canonical table: %w", err)
	}
	p.log.Debug().Str("path", p.path).Int64("rows", rec.NumRows()).Msg("Canonical table written")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// atomicWrite writes through a temp file in the target directory, syncs it
// and renames it over path. The temp file is removed on any failure.
func atomicWrite(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	// the writer may close what it is given; keep the file open for Sync
	if err = write(struct{ io.Writer }{tmp}); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
