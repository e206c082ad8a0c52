package dumper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	maxStderrBytes   = 8 * 1024
	exitPollInterval = 100 * time.Millisecond
	exitPollAttempts = 50
)

// dockerAPI is the subset of the docker client used to run pg_dump.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// PostgresDumper runs pg_dump inside the profile's container.
type PostgresDumper struct {
	cli      dockerAPI
	dataOnly bool
}

var _ Dumper = (*PostgresDumper)(nil)

func NewPostgresDumper(cli dockerAPI, dataOnly bool) *PostgresDumper {
	return &PostgresDumper{cli: cli, dataOnly: dataOnly}
}

func pgDumpArgs(p model.Profile, dataOnly bool) []string {
	args := []string{
		"pg_dump", "-v",
		"-d", p.DBName,
		"-U", p.DBUser,
		"--inserts", "--no-owner", "--no-privileges", "--column-inserts",
	}
	if dataOnly {
		args = append(args, "--data-only", "--disable-triggers")
	}
	return args
}

func (d *PostgresDumper) TestConnection(ctx context.Context, p model.Profile) error {
	info, err := d.cli.ContainerInspect(ctx, p.ContainerName)
	if err != nil {
		return &DumpError{Kind: ErrContainerUnreachable, Err: err}
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return &DumpError{Kind: ErrContainerUnreachable, Err: fmt.Errorf("container %s is not running", p.ContainerName)}
	}
	return nil
}

// Dump streams pg_dump output into w. When the full invocation exits
// cleanly without output, a plain pg_dump is attempted once before giving up.
func (d *PostgresDumper) Dump(ctx context.Context, p model.Profile, w io.Writer) error {
	logFields := []zap.Field{
		zap.Int64("profileId", p.ID),
		zap.String("container", p.ContainerName),
		zap.String("database", p.DBName),
		zap.Bool("dataOnly", d.dataOnly),
	}

	written, stderr, exitCode, err := d.exec(ctx, p, pgDumpArgs(p, d.dataOnly), w)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		logger.Log.Error("pg_dump failed", append(logFields, zap.Int("exitCode", exitCode), zap.String("stderr", stderr))...)
		return commandFailed(exitCode, stderr, nil)
	}
	if written > 0 {
		logger.Log.Info("pg_dump completed", append(logFields, zap.Int64("bytes", written))...)
		return nil
	}

	logger.Log.Warn("pg_dump produced no output, retrying with plain invocation", logFields...)
	written, stderr, exitCode, err = d.exec(ctx, p, []string{"pg_dump", "-U", p.DBUser, p.DBName}, w)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return commandFailed(exitCode, stderr, nil)
	}
	if written == 0 {
		return commandFailed(0, stderr, errors.New("pg_dump produced no output"))
	}
	logger.Log.Info("pg_dump fallback completed", append(logFields, zap.Int64("bytes", written))...)
	return nil
}

func (d *PostgresDumper) exec(ctx context.Context, p model.Profile, args []string, w io.Writer) (int64, string, int, error) {
	execCfg := types.ExecConfig{
		Cmd:          args,
		AttachStdout: true,
		AttachStderr: true,
	}
	if p.DBPassword != "" {
		execCfg.Env = []string{"PGPASSWORD=" + p.DBPassword}
	}

	created, err := d.cli.ContainerExecCreate(ctx, p.ContainerName, execCfg)
	if err != nil {
		return 0, "", 0, &DumpError{Kind: ErrContainerUnreachable, Err: err}
	}
	resp, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, "", 0, &DumpError{Kind: ErrContainerUnreachable, Err: err}
	}
	defer resp.Close()
	stop := context.AfterFunc(ctx, resp.Close)
	defer stop()

	stdout := &countingWriter{w: w}
	stderr := &tailBuffer{max: maxStderrBytes}
	_, copyErr := stdcopy.StdCopy(stdout, stderr, resp.Reader)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.n, stderr.String(), 0, ctxErr
	}
	if copyErr != nil {
		return stdout.n, stderr.String(), 0, fmt.Errorf("failed to stream pg_dump output: %w", copyErr)
	}

	exitCode, err := d.waitExit(ctx, created.ID)
	if err != nil {
		return stdout.n, stderr.String(), 0, err
	}
	return stdout.n, stderr.String(), exitCode, nil
}

// waitExit polls until the exec reports it has stopped. The output stream
// can close slightly before docker records the exit code.
func (d *PostgresDumper) waitExit(ctx context.Context, execID string) (int, error) {
	for attempt := 0; attempt < exitPollAttempts; attempt++ {
		info, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, &DumpError{Kind: ErrContainerUnreachable, Err: err}
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(exitPollInterval):
		}
	}
	return 0, fmt.Errorf("exec %s did not report an exit code", execID)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
