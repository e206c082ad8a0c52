package writer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	SFTPWriterType  = "sftp"
	sftpDialTimeout = 30 * time.Second
)

// SFTPWriter copies artifacts to a remote host over SSH.
type SFTPWriter struct {
	cfg config.SFTPConfig
}

func init() {
	RegisterWriterFactory(SFTPWriterType, NewSFTPWriter)
}

func NewSFTPWriter(deps Dependencies) (RemoteWriter, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("sftp writer requires configuration")
	}
	sc := deps.Config.SFTP
	if sc.Host == "" || sc.User == "" {
		return nil, fmt.Errorf("sftp.host and sftp.user are required")
	}
	if sc.Port == 0 {
		sc.Port = 22
	}
	return &SFTPWriter{cfg: sc}, nil
}

func (w *SFTPWriter) Type() string {
	return SFTPWriterType
}

func (w *SFTPWriter) Authenticated(ctx context.Context) error {
	if w.cfg.Password == "" && w.cfg.PrivateKeyFile == "" {
		return fmt.Errorf("%w: sftp password or private key is required", ErrNotAuthenticated)
	}
	return nil
}

func (w *SFTPWriter) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if w.cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(w.cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if w.cfg.Password != "" {
		auth = append(auth, ssh.Password(w.cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if w.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(w.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Log.Warn("sftp.known_hosts_file is empty, host key is not verified", zap.String("host", w.cfg.Host))
	}

	return &ssh.ClientConfig{
		User:            w.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func (w *SFTPWriter) Upload(ctx context.Context, obj Object) (string, error) {
	sshCfg, err := w.clientConfig()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	dialer := net.Dialer{Timeout: sftpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	// Closing the connection aborts the handshake or an in-flight copy on
	// cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		return "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", fmt.Errorf("sftp session: %w", err)
	}
	defer client.Close()

	remoteDir := path.Join(w.cfg.RemoteDir, obj.Folder)
	remotePath := path.Join(remoteDir, obj.Name)
	link := fmt.Sprintf("sftp://%s%s", addr, remotePath)

	if info, err := client.Stat(remotePath); err == nil && info.Mode().IsRegular() {
		logger.Log.Info("SFTP target already holds this artifact, reusing it", zap.String("remotePath", remotePath))
		return link, nil
	}

	if err := client.MkdirAll(remoteDir); err != nil {
		return "", fmt.Errorf("failed to create remote dir %s: %w", remoteDir, err)
	}

	src, err := os.Open(obj.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", obj.LocalPath, err)
	}
	defer src.Close()

	tmpPath := remotePath + ".part"
	dst, err := client.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file %s: %w", tmpPath, err)
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = client.Remove(tmpPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to copy to %s: %w", tmpPath, err)
	}
	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		if err := client.Rename(tmpPath, remotePath); err != nil {
			return "", fmt.Errorf("failed to move %s into place: %w", remotePath, err)
		}
	}

	logger.Log.Info("Successfully uploaded backup over SFTP",
		zap.String("remotePath", remotePath),
		zap.Int64("bytesWritten", n),
	)
	return link, nil
}
