package writer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sftpTestUser = "backup"

type sftpTestServer struct {
	host    string
	port    int
	hostKey ssh.PublicKey
}

// startSFTPServer serves the sftp subsystem over SSH on a loopback port,
// backed by the local filesystem.
func startSFTPServer(t *testing.T, password string) sftpTestServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == sftpTestUser && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return sftpTestServer{host: addr.IP.String(), port: addr.Port, hostKey: signer.PublicKey()}
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only session channels are served")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				isSFTP := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				_ = req.Reply(isSFTP, nil)
			}
		}(requests)
		go func() {
			defer ch.Close()
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
		}()
	}
}

func newTestSFTPWriter(t *testing.T, srv sftpTestServer, password, remoteDir string) *SFTPWriter {
	t.Helper()
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(net.JoinHostPort(srv.host, fmt.Sprint(srv.port)))}, srv.hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	w, err := NewSFTPWriter(Dependencies{Config: &config.Config{SFTP: config.SFTPConfig{
		Host:           srv.host,
		Port:           srv.port,
		User:           sftpTestUser,
		Password:       password,
		KnownHostsFile: knownHosts,
		RemoteDir:      remoteDir,
	}}})
	require.NoError(t, err)
	return w.(*SFTPWriter)
}

func TestNewSFTPWriterValidation(t *testing.T) {
	_, err := NewSFTPWriter(Dependencies{})
	assert.Error(t, err)

	_, err = NewSFTPWriter(Dependencies{Config: &config.Config{SFTP: config.SFTPConfig{Host: "backup.example"}}})
	assert.Error(t, err)

	w, err := NewSFTPWriter(Dependencies{Config: &config.Config{SFTP: config.SFTPConfig{Host: "backup.example", User: "ops"}}})
	require.NoError(t, err)
	assert.Equal(t, SFTPWriterType, w.Type())
	assert.Equal(t, 22, w.(*SFTPWriter).cfg.Port)
	assert.ErrorIs(t, w.Authenticated(context.Background()), ErrNotAuthenticated)

	w, err = NewSFTPWriter(Dependencies{Config: &config.Config{SFTP: config.SFTPConfig{Host: "backup.example", User: "ops", Password: "pw"}}})
	require.NoError(t, err)
	assert.NoError(t, w.Authenticated(context.Background()))
}

func TestSFTPUploadAndReuse(t *testing.T) {
	srv := startSFTPServer(t, "s3cret")
	remoteDir := t.TempDir()
	w := newTestSFTPWriter(t, srv, "s3cret", remoteDir)

	local := filepath.Join(t.TempDir(), "shop.sql.gz")
	require.NoError(t, os.WriteFile(local, []byte("dump bytes"), 0o600))
	obj := Object{LocalPath: local, Folder: "shop", Name: "shop_20260101_020000.sql.gz"}

	link, err := w.Upload(context.Background(), obj)
	require.NoError(t, err)
	remotePath := filepath.Join(remoteDir, "shop", obj.Name)
	assert.Equal(t, fmt.Sprintf("sftp://%s%s", net.JoinHostPort(srv.host, fmt.Sprint(srv.port)), filepath.ToSlash(remotePath)), link)

	got, err := os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, "dump bytes", string(got))
	assert.NoFileExists(t, remotePath+".part")

	// The local file changed but the remote copy is kept.
	require.NoError(t, os.WriteFile(local, []byte("other bytes"), 0o600))
	again, err := w.Upload(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, link, again)
	got, err = os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, "dump bytes", string(got))
}

func TestSFTPUploadWrongPassword(t *testing.T) {
	srv := startSFTPServer(t, "s3cret")
	w := newTestSFTPWriter(t, srv, "wrong", t.TempDir())

	local := filepath.Join(t.TempDir(), "x.sql.gz")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))

	_, err := w.Upload(context.Background(), Object{LocalPath: local, Folder: "shop", Name: "x.sql.gz"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSFTPUploadRejectsUnknownHostKey(t *testing.T) {
	srv := startSFTPServer(t, "s3cret")
	other := startSFTPServer(t, "s3cret")
	srv.hostKey = other.hostKey
	w := newTestSFTPWriter(t, srv, "s3cret", t.TempDir())

	local := filepath.Join(t.TempDir(), "x.sql.gz")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))

	_, err := w.Upload(context.Background(), Object{LocalPath: local, Folder: "shop", Name: "x.sql.gz"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAuthenticated)
}

func TestSFTPUploadHonoursCancelledContext(t *testing.T) {
	srv := startSFTPServer(t, "s3cret")
	w := newTestSFTPWriter(t, srv, "s3cret", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Upload(ctx, Object{LocalPath: "/does/not/matter", Folder: "shop", Name: "x.sql.gz"})
	assert.ErrorIs(t, err, context.Canceled)
}
