package training

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// newLogger builds the trainer logger. Rank 0 writes to the console, unless
// muted, and appends to {workspace}/log_{name}.txt. Other ranks discard
// everything. The returned closer is nil when no file was opened.
func newLogger(cfg Config, console io.Writer, rank int) (*slog.Logger, io.Closer, error) {
	if rank != 0 {
		return slog.New(slog.DiscardHandler), nil, nil
	}

	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return nil, nil, errors.Wrap(err, "failed to create workspace")
	}
	path := filepath.Join(cfg.Workspace, "log_"+cfg.Name+".txt")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open log file %s", path)
	}

	var out io.Writer = file
	if !cfg.Mute && console != nil {
		out = io.MultiWriter(console, file)
	}
	return slog.New(slog.NewTextHandler(out, nil)), file, nil
}
