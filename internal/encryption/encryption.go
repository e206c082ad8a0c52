package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"go.uber.org/zap"
)

var (
	ErrGPGUnavailable = errors.New("gpg binary not available")
	ErrInvalidKey     = errors.New("invalid gpg public key")
)

// gpgBinary is resolved through PATH.
var gpgBinary = "gpg"

// GPGEncryptor encrypts dump streams for a single recipient public key.
// The zero value, and one built from an empty key path, is disabled and
// passes data through untouched.
type GPGEncryptor struct {
	keyFile     string
	fingerprint string
	enabled     bool
}

// NewGPGEncryptor checks that keyFile holds exactly one usable public key.
func NewGPGEncryptor(keyFile string) (*GPGEncryptor, error) {
	if strings.TrimSpace(keyFile) == "" {
		return &GPGEncryptor{}, nil
	}
	if _, err := exec.LookPath(gpgBinary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGPGUnavailable, err)
	}
	info, err := os.Stat(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidKey, keyFile)
	}

	fingerprint, err := keyFingerprint(keyFile)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Dump encryption enabled",
		zap.String("keyFile", keyFile),
		zap.String("fingerprint", fingerprint),
	)
	return &GPGEncryptor{keyFile: keyFile, fingerprint: fingerprint, enabled: true}, nil
}

// keyFingerprint reads the key without importing it into any keyring.
func keyFingerprint(keyFile string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(gpgBinary, "--batch", "--with-colons", "--show-keys", keyFile)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrInvalidKey, err, strings.TrimSpace(stderr.String()))
	}

	var fingerprints []string
	inPrimary := false
	for _, line := range strings.Split(stdout.String(), "\n") {
		fields := strings.Split(line, ":")
		switch fields[0] {
		case "pub":
			inPrimary = true
		case "fpr":
			if inPrimary && len(fields) > 9 {
				fingerprints = append(fingerprints, fields[9])
				inPrimary = false
			}
		}
	}
	switch len(fingerprints) {
	case 0:
		return "", fmt.Errorf("%w: no public key in %s", ErrInvalidKey, keyFile)
	case 1:
		return fingerprints[0], nil
	default:
		return "", fmt.Errorf("%w: %s holds %d keys, expected one", ErrInvalidKey, keyFile, len(fingerprints))
	}
}

func (e *GPGEncryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

func (e *GPGEncryptor) Extension() string {
	if e.IsEnabled() {
		return ".gpg"
	}
	return ""
}

// Wrap returns a writer whose input reaches dst encrypted. Close must be
// called to flush gpg and collect its exit status.
func (e *GPGEncryptor) Wrap(ctx context.Context, dst io.Writer) (io.WriteCloser, error) {
	if !e.IsEnabled() {
		return nopWriteCloser{dst}, nil
	}

	w := &encryptingWriter{}
	w.cmd = exec.CommandContext(ctx, gpgBinary,
		"--batch", "--no-tty", "--quiet",
		"--trust-model", "always",
		"--recipient-file", e.keyFile,
		"--output", "-",
		"--encrypt",
	)
	w.cmd.Stdout = dst
	w.cmd.Stderr = &w.stderr

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("gpg stdin: %w", err)
	}
	if err := w.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gpg: %w", err)
	}
	w.stdin = stdin
	logger.Log.Debug("Encrypting dump stream", zap.String("fingerprint", e.fingerprint))
	return w, nil
}

type encryptingWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	closed bool
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	return w.stdin.Write(p)
}

func (w *encryptingWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("gpg exited: %w: %s", err, strings.TrimSpace(w.stderr.String()))
	}
	return closeErr
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
