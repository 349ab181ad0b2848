package rotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const gzSuffix = ".gz"

// maybeRotate rotates the active file once a size or age limit is crossed.
// An empty file never rotates. Rotation failures are logged and retried on
// a later append, the record that triggered them is already on disk.
func (w *Writer) maybeRotate() {
	if w.size == 0 {
		return
	}

	bySize := w.cfg.MaxSize > 0 && w.size >= w.cfg.MaxSize
	byAge := w.cfg.MaxAge > 0 && !w.firstAt.IsZero() && time.Since(w.firstAt) >= w.cfg.MaxAge
	if !bySize && !byAge {
		return
	}

	if err := w.rotate(); err != nil {
		w.logger.Warn(
			"Log rotation failed",
			"file",
			w.cfg.Path,
			"error",
			err.Error(),
		)
	}
}

// rotate renames the active file to an archive, compresses it when
// configured, enforces retention and opens a fresh active file.
func (w *Writer) rotate() error {
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing before rotation")
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return errors.Wrap(err, "closing before rotation")
	}
	w.file = nil

	archive, err := w.archiveName()
	if err != nil {
		return err
	}
	if err := os.Rename(w.cfg.Path, archive); err != nil {
		return errors.Wrap(err, "archiving log file")
	}

	if w.cfg.Compress {
		if err := compressArchive(archive); err != nil {
			// The uncompressed archive stays behind and still counts
			// towards retention.
			w.logger.Warn(
				"Compressing archive failed",
				"archive",
				archive,
				"error",
				err.Error(),
			)
		}
	}

	w.purge()

	return w.openActive()
}

// archiveName picks an unused archive path. Stamps are nanoseconds so two
// rotations within one second stay distinct; a collision bumps the stamp.
func (w *Writer) archiveName() (string, error) {
	stamp := time.Now().UnixNano()
	for range 1000 {
		name := fmt.Sprintf("%s.%d", w.cfg.Path, stamp)
		if !exists(name) && !exists(name+gzSuffix) {
			return name, nil
		}
		stamp++
	}

	return "", errors.New("no unused archive name")
}

// compressArchive gzips path in place. The original is only removed once
// the compressed copy is safely on disk.
func compressArchive(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer src.Close()

	dst, err := os.OpenFile(path+gzSuffix, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating compressed archive")
	}

	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if err == nil {
		err = gz.Close()
	}
	if err == nil {
		err = dst.Sync()
	}
	if err != nil {
		dst.Close()
		os.Remove(path + gzSuffix)
		return errors.Wrap(err, "compressing archive")
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, "closing compressed archive")
	}

	return errors.Wrap(os.Remove(path), "removing uncompressed archive")
}

// purge removes the oldest archives until at most cfg.Keep remain.
func (w *Writer) purge() {
	archives := w.listArchives()
	if len(archives) <= w.cfg.Keep {
		return
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].stamp < archives[j].stamp
	})

	for _, a := range archives[:len(archives)-w.cfg.Keep] {
		if err := os.Remove(a.path); err != nil {
			w.logger.Warn(
				"Removing expired archive failed",
				"archive",
				a.path,
				"error",
				err.Error(),
			)
		}
	}
}

type archive struct {
	path  string
	stamp int64
}

// listArchives finds the archives belonging to the active file. Names that
// do not carry a parseable stamp are left alone.
func (w *Writer) listArchives() []archive {
	dir := filepath.Dir(w.cfg.Path)
	base := filepath.Base(w.cfg.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn(
			"Listing archives failed",
			"dir",
			dir,
			"error",
			err.Error(),
		)
		return nil
	}

	var archives []archive
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stamp, ok := archiveStamp(base, entry.Name())
		if !ok {
			continue
		}
		archives = append(archives, archive{
			path:  filepath.Join(dir, entry.Name()),
			stamp: stamp,
		})
	}

	return archives
}

// archiveStamp parses the rotation stamp out of an archive filename, which
// is the active name plus ".<nanos>" and an optional ".gz".
func archiveStamp(base, name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, base+".")
	if !ok {
		return 0, false
	}
	rest = strings.TrimSuffix(rest, gzSuffix)

	stamp, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || stamp <= 0 {
		return 0, false
	}

	return stamp, true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
