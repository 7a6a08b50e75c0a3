// Package security keeps files that hold credentials or visitor data
// private to the server user.
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/logging"
)

// PrivateFileMode is owner read/write only
const PrivateFileMode os.FileMode = 0600

// CheckFilePermissions tightens path to expected if it is looser. A missing
// file is not an error. It reports whether the mode was changed.
func CheckFilePermissions(path string, expected os.FileMode) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check file permissions: %w", err)
	}

	if info.Mode().Perm() == expected {
		return false, nil
	}
	if err := os.Chmod(path, expected); err != nil {
		return false, fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return true, nil
}

// EnsureSecurePermissions makes each file private, logging what changed
func EnsureSecurePermissions(logger *logging.Logger, paths ...string) {
	for _, path := range paths {
		changed, err := CheckFilePermissions(path, PrivateFileMode)
		if err != nil {
			logger.Warn("could not secure file permissions", zap.String("file", path), zap.Error(err))
			continue
		}
		if changed {
			logger.Info("fixed file permissions", zap.String("file", path), zap.String("mode", PrivateFileMode.String()))
		}
	}
}
