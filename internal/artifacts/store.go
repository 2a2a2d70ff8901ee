package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/logging"
)

// Store places finished render outputs. The local root is the source of
// truth: a save succeeds once the file has landed there, and remote upload is
// opportunistic on top.
type Store struct {
	root     string
	uploader Uploader
	logger   *slog.Logger
}

// NewStore builds an artifact store rooted at dir. The uploader may be nil,
// in which case artifacts stay local.
func NewStore(dir string, uploader Uploader, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact root not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{
		root:     dir,
		uploader: uploader,
		logger:   logging.NewComponentLogger(logger, "artifacts"),
	}, nil
}

// Root returns the local artifact root.
func (s *Store) Root() string { return s.root }

// Save moves the file into the local root under the job's directory, then
// attempts the remote upload when one is configured. The returned locator is
// the remote URL when the upload succeeded and the local path otherwise; an
// upload failure is logged, never surfaced, because the local copy already
// landed.
func (s *Store) Save(ctx context.Context, jobID, path string) (string, error) {
	if jobID == "" {
		return "", errors.New("job id required")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	jobDir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create job artifact dir: %w", err)
	}
	dest := filepath.Join(jobDir, filepath.Base(path))
	if err := moveFile(path, dest); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	local := "file://" + dest

	if s.uploader == nil {
		return local, nil
	}
	remote, err := s.uploader.Upload(ctx, dest, jobID+"/"+filepath.Base(dest))
	if err != nil {
		s.logger.Warn("artifact upload failed, keeping local copy",
			slog.String(logging.FieldJobID, jobID),
			logging.Error(err))
		return local, nil
	}
	return remote, nil
}

// moveFile renames when possible and falls back to copy-and-remove for
// cross-device moves.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
