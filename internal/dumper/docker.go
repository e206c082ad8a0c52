package dumper

import (
	"context"
	"fmt"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// NewDockerClient connects to the docker daemon from the environment, or
// host when set. An unreachable daemon is logged but not fatal.
func NewDockerClient(ctx context.Context, host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if ping, err := cli.Ping(pingCtx); err != nil {
		logger.Log.Warn("Docker daemon not reachable yet", zap.String("host", cli.DaemonHost()), zap.Error(err))
	} else {
		logger.Log.Info("Docker client initialized", zap.String("host", cli.DaemonHost()), zap.String("apiVersion", ping.APIVersion))
	}
	return cli, nil
}
