package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"go.uber.org/zap"
)

const LocalWriterType = "local"

// LocalWriter stores dump output below a base directory.
type LocalWriter struct {
	basePath string
}

func NewLocalWriter(basePath string) (*LocalWriter, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local backup base path is empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		logger.Log.Error("Failed to create local backup base path", zap.String("path", basePath), zap.Error(err))
		return nil, fmt.Errorf("failed to create local backup base path %s: %w", basePath, err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute path for base: %w", err)
	}
	return &LocalWriter{basePath: abs}, nil
}

func (lw *LocalWriter) Type() string {
	return LocalWriterType
}

func (lw *LocalWriter) BasePath() string {
	return lw.basePath
}

// resolve maps objectName onto a path inside the base directory.
func (lw *LocalWriter) resolve(objectName string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(objectName, "\\", "/"))
	if cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		logger.Log.Error("LocalWriter: Malformed objectName, potential path traversal",
			zap.String("originalObjectName", objectName),
			zap.String("cleanedObjectName", cleaned),
		)
		return "", fmt.Errorf("malformed objectName: %s", objectName)
	}

	target := filepath.Join(lw.basePath, cleaned)
	if !within(lw.basePath, target) {
		return "", fmt.Errorf("target path %s is outside base path %s", target, lw.basePath)
	}
	return target, nil
}

// Write streams reader into objectName. Data lands in a temporary file that
// is renamed into place only after the copy completes, so readers never see
// a partial artifact.
func (lw *LocalWriter) Write(ctx context.Context, objectName string, reader io.Reader) (destination string, bytesWritten int64, err error) {
	filePath, err := lw.resolve(objectName)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		logger.Log.Error("Failed to create directory for local backup file", zap.String("path", filePath), zap.Error(err))
		return "", 0, fmt.Errorf("failed to create directory for local backup file %s: %w", filePath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), "."+filepath.Base(filePath)+".*.part")
	if err != nil {
		logger.Log.Error("Failed to create local backup file", zap.String("path", filePath), zap.Error(err))
		return "", 0, fmt.Errorf("failed to create local backup file %s: %w", filePath, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	bytesWritten, err = io.Copy(tmp, &contextReader{ctx: ctx, reader: reader})
	if err != nil {
		logger.Log.Error("Failed to write backup data to local file", zap.String("path", filePath), zap.Error(err))
		return "", 0, fmt.Errorf("failed to write backup data to %s: %w", filePath, err)
	}
	if err = tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync %s: %w", filePath, err)
	}
	if err = tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close %s: %w", filePath, err)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return "", 0, fmt.Errorf("failed to move backup into place at %s: %w", filePath, err)
	}

	logger.Log.Info("Successfully wrote to local backup", zap.Int64("bytesWritten", bytesWritten), zap.String("path", filePath))
	return filePath, bytesWritten, nil
}

// Remove deletes a file written earlier. A missing file counts as removed.
func (lw *LocalWriter) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		resolved, err := lw.resolve(path)
		if err != nil {
			return err
		}
		path = resolved
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Log.Info("Local file not found for deletion, considering as success.", zap.String("filePath", path))
			return nil
		}
		return fmt.Errorf("failed to stat local file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to delete directory %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Log.Error("Failed to delete local file", zap.String("filePath", path), zap.Error(err))
		return fmt.Errorf("failed to delete local file %s: %w", path, err)
	}
	logger.Log.Info("Successfully deleted local file", zap.String("filePath", path))
	return nil
}

// Exists reports whether path is a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

var ErrInsufficientSpace = errors.New("insufficient disk space")

// diskUsageFunc is swapped in tests.
var diskUsageFunc = diskUsage

// CheckDiskSpace fails when less than minFreePercent of the filesystem
// holding path is available. A zero threshold disables the check.
func CheckDiskSpace(path string, minFreePercent float64) error {
	if minFreePercent <= 0 {
		return nil
	}
	free, total, err := diskUsageFunc(path)
	if err != nil {
		return fmt.Errorf("failed to get filesystem stats for %s: %w", path, err)
	}
	if total == 0 {
		return fmt.Errorf("invalid filesystem at %s: total size is 0", path)
	}

	freePercent := float64(free) / float64(total) * 100
	if freePercent < minFreePercent {
		return fmt.Errorf("%w: %.2f%% free at %s (minimum %.2f%%)", ErrInsufficientSpace, freePercent, path, minFreePercent)
	}
	logger.Log.Debug("Disk space check passed",
		zap.String("path", path),
		zap.Float64("freePercent", freePercent),
		zap.Uint64("freeBytes", free),
	)
	return nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
