package dumper

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/encryption"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"

	"go.uber.org/zap"
)

// Dumper produces a plain SQL dump for a profile.
type Dumper interface {
	// Dump writes the uncompressed dump to w.
	Dump(ctx context.Context, p model.Profile, w io.Writer) error

	// TestConnection reports whether the profile's database can be dumped.
	TestConnection(ctx context.Context, p model.Profile) error
}

// StreamCompressed runs produce against a writer whose output reaches dst
// gzipped and, when enc is enabled, encrypted.
func StreamCompressed(ctx context.Context, dst io.Writer, enc *encryption.GPGEncryptor, produce func(io.Writer) error) (err error) {
	encWriter, err := enc.Wrap(ctx, dst)
	if err != nil {
		return fmt.Errorf("failed to start encryption: %w", err)
	}
	defer func() {
		if closeErr := encWriter.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to finish encryption: %w", closeErr)
		}
	}()

	gw := gzip.NewWriter(encWriter)
	if err = produce(gw); err != nil {
		gw.Close()
		return err
	}
	if err = gw.Close(); err != nil {
		logger.Log.Error("StreamCompressed: failed to flush gzip stream", zap.Error(err))
		return fmt.Errorf("failed to flush gzip stream: %w", err)
	}
	return nil
}
