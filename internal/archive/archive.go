// Package archive bundles a task's files into a zip download.
package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// Entry is one file in the archive. Path names a file on disk to copy;
// when Path is empty, Value is written as indented JSON.
type Entry struct {
	Name  string
	Path  string
	Value any
}

// Result describes the outcome of writing a single entry.
type Result struct {
	Filename string
	Err      string
}

// Build writes entries as a zip to w. It always returns a results slice of
// the same length as entries. An entry that fails is omitted from the
// archive and its Result.Err is set.
func Build(ctx context.Context, w io.Writer, entries []Entry) ([]Result, error) {
	if len(entries) == 0 {
		return nil, errors.New("no entries provided")
	}

	zipWriter := zip.NewWriter(w)
	results := make([]Result, len(entries))
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zipWriter.Close()
			return results[:i], fmt.Errorf("archive interrupted: %w", err)
		}
		results[i] = writeEntry(zipWriter, entry, i)
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

func writeEntry(zipWriter *zip.Writer, entry Entry, index int) Result {
	filename := entryName(entry, index)
	result := Result{Filename: filename}

	var src io.ReadCloser
	if entry.Path != "" {
		f, err := os.Open(entry.Path) //nolint:gosec // paths come from the results store
		if err != nil {
			result.Err = err.Error()
			log.Warn().Str("path", entry.Path).Err(err).Msg("open archive entry failed")
			return result
		}
		src = f
	}

	zipEntryWriter, err := zipWriter.Create(filename)
	if err != nil {
		if src != nil {
			_ = src.Close()
		}
		result.Err = err.Error()
		log.Warn().Str("entry", filename).Err(err).Msg("zip entry create failed")
		return result
	}

	if src == nil {
		enc := json.NewEncoder(zipEntryWriter)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entry.Value); err != nil {
			result.Err = err.Error()
			log.Warn().Str("entry", filename).Err(err).Msg("encode archive entry failed")
		}
		return result
	}
	defer func() { _ = src.Close() }()
	if _, err := io.Copy(zipEntryWriter, src); err != nil {
		result.Err = err.Error()
		log.Warn().Str("entry", filename).Err(err).Msg("copy into zip failed")
	}
	return result
}

// entryName keeps names flat inside the archive, falling back to the source
// file name and then to an index.
func entryName(entry Entry, index int) string {
	for _, candidate := range []string{entry.Name, entry.Path} {
		base := path.Base(strings.ReplaceAll(candidate, `\`, "/"))
		if candidate != "" && base != "/" && base != "." && base != ".." {
			return base
		}
	}
	return fmt.Sprintf("file-%d", index+1)
}
