// Package rotate persists probe records to an append-only log file with
// size and age based rotation, archive compression and retention.
package rotate

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrDirVanished reports that the directory holding the log file is
	// gone, which no reopen can fix.
	ErrDirVanished = errors.New("log directory no longer exists")

	// ErrClosed reports an append after Close.
	ErrClosed = errors.New("log writer is closed")
)

// Config describes one rotating log file.
type Config struct {
	Path     string        // active log file
	MaxSize  int64         // rotate once the active file reaches this many bytes, 0 disables
	MaxAge   time.Duration // rotate once the active file carries records this old, 0 disables
	Keep     int           // archives retained after rotation
	Compress bool          // gzip archives after rotation
}

// Writer appends newline-terminated records to the active file and rotates
// it once a configured limit is exceeded. A record is written before limits
// are checked, so the append that crosses a limit still lands in the file
// it grew. Writer is safe for concurrent use.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	info    os.FileInfo // identity of the open file, to detect replacement
	size    int64
	firstAt time.Time // when the oldest record in the active file landed
	closed  bool
}

// New opens the active file, creating it and its directory if needed, and
// enforces retention on whatever archives a previous run left behind.
func New(cfg Config, logger *slog.Logger) (*Writer, error) {
	w := &Writer{
		cfg:    cfg,
		logger: logger,
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}
	w.purge()

	return w, nil
}

// Append writes one record followed by a newline, then rotates when the
// file has outgrown its limits. A write that fails for anything short of
// the directory vanishing is retried once against a freshly opened file.
func (w *Writer) Append(record []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.ensureActive(); err != nil {
		return err
	}

	buf := record
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		buf = append(append(make([]byte, 0, len(record)+1), record...), '\n')
	}

	n, err := w.file.Write(buf)
	w.size += int64(n)
	if err != nil {
		if cerr := w.classify(err); errors.Is(cerr, ErrDirVanished) {
			return cerr
		}
		if err := w.retryAppend(buf, n); err != nil {
			return err
		}
	}
	if w.firstAt.IsZero() {
		w.firstAt = time.Now()
	}

	w.maybeRotate()

	return nil
}

// retryAppend rewrites buf against a freshly opened file after a failed
// write. The handle may have gone bad underneath us, and a failed write can
// still leave some of its bytes in the file. Those are truncated away first
// so the retried record starts on a fresh line instead of extending the
// partial one.
func (w *Writer) retryAppend(buf []byte, partial int) error {
	w.file.Close()
	w.file = nil

	if partial > 0 {
		os.Truncate(w.cfg.Path, w.size-int64(partial))
	}

	if err := w.openActive(); err != nil {
		return err
	}

	n, err := w.file.Write(buf)
	w.size += int64(n)
	if err != nil {
		return w.classify(err)
	}

	return nil
}

// Flush forces buffered appends onto stable storage.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	return errors.Wrap(w.file.Sync(), "syncing log file")
}

// Close flushes and releases the active file. Closing twice is harmless,
// appending afterwards is not.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil

	return errors.Wrap(err, "closing log file")
}

// openActive opens the configured path for appending. On resume the age of
// existing records is approximated by the file's modification time.
func (w *Writer) openActive() error {
	f, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return w.classify(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "statting log file")
	}

	w.file = f
	w.info = info
	w.size = info.Size()
	w.firstAt = time.Time{}
	if w.size > 0 {
		w.firstAt = info.ModTime()
	}

	return nil
}

// ensureActive reopens the log file when it was removed or replaced
// underneath us. Appends to an unlinked file succeed silently, so the path
// is statted before every write.
func (w *Writer) ensureActive() error {
	if w.file != nil {
		info, err := os.Stat(w.cfg.Path)
		if err == nil && os.SameFile(info, w.info) {
			return nil
		}
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "statting log file")
		}
		w.file.Close()
		w.file = nil
	}

	return w.openActive()
}

// classify upgrades a file error to ErrDirVanished when the log directory
// itself is gone.
func (w *Writer) classify(err error) error {
	dir := filepath.Dir(w.cfg.Path)
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		return errors.Wrapf(ErrDirVanished, "log directory %s", dir)
	}

	return errors.Wrap(err, "writing log file")
}
