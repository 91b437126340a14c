package daemon

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/archive"
)

// eligible reports whether a child of the watch root is a candidate.
// Directories are candidates unless single-file mode is on, in which case
// only regular files with the configured extension are. The destination and
// backup directories and tarwatch's own outputs are never candidates.
// Symlinks are never followed.
func (s *Service) eligible(path string) bool {
	if samePath(path, s.cfg.DestDir) || (s.cfg.BackupDir != "" && samePath(path, s.cfg.BackupDir)) {
		return false
	}

	name := filepath.Base(path)
	if isOutput(name) {
		return false
	}

	info, err := os.Lstat(path)
	if err != nil {
		return false
	}

	if s.cfg.Extension == "" {
		return info.IsDir()
	}
	return info.Mode().IsRegular() && strings.EqualFold(filepath.Ext(name), s.cfg.Extension)
}

// isOutput matches archives and in-progress archive files.
func isOutput(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, archive.Extension) || strings.HasSuffix(lower, archive.PartialSuffix)
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
