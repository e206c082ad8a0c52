// Package discovery finds PostgreSQL containers on the docker host and
// suggests profile settings for them from their environment and labels.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// Labels a container can carry to pre-fill its profile.
const (
	LabelCron      = "backup.cron"
	LabelRetention = "backup.retention"
	LabelFolder    = "backup.folder"
)

// Candidate is a container that looks like it runs PostgreSQL.
type Candidate struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Image         string `json:"image"`
	Running       bool   `json:"running"`
	DBUser        string `json:"db_user"`
	DBName        string `json:"db_name"`
	CronSchedule  string `json:"cron_schedule,omitempty"`
	RetentionDays *int   `json:"backup_retention,omitempty"`
	FolderDrive   string `json:"folder_drive,omitempty"`
}

type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

type Lister struct {
	cli dockerAPI
}

func NewLister(cli dockerAPI) *Lister {
	return &Lister{cli: cli}
}

// List returns PostgreSQL containers ordered by name.
func (l *Lister) List(ctx context.Context) ([]Candidate, error) {
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []Candidate
	for _, c := range containers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !looksLikePostgres(c.Image) {
			continue
		}
		info, err := l.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			logger.Log.Warn("Failed to inspect container", zap.String("containerID", c.ID), zap.Error(err))
			continue
		}
		out = append(out, candidateFrom(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerName < out[j].ContainerName })
	logger.Log.Debug("Container scan finished", zap.Int("scanned", len(containers)), zap.Int("postgres", len(out)))
	return out, nil
}

func looksLikePostgres(image string) bool {
	image = strings.ToLower(image)
	return strings.Contains(image, "postgres") || strings.Contains(image, "postgis") || strings.Contains(image, "timescale")
}

func candidateFrom(info types.ContainerJSON) Candidate {
	c := Candidate{DBUser: "postgres"}
	if info.ContainerJSONBase != nil {
		c.ContainerID = info.ID
		c.ContainerName = strings.TrimPrefix(info.Name, "/")
		c.Running = info.State != nil && info.State.Running
	}
	if info.Config == nil {
		c.DBName = c.DBUser
		return c
	}
	c.Image = info.Config.Image

	env := envMap(info.Config.Env)
	if v := env["POSTGRES_USER"]; v != "" {
		c.DBUser = v
	}
	c.DBName = c.DBUser
	if v := env["POSTGRES_DB"]; v != "" {
		c.DBName = v
	}

	labels := info.Config.Labels
	c.CronSchedule = strings.TrimSpace(labels[LabelCron])
	c.FolderDrive = strings.TrimSpace(labels[LabelFolder])
	if v, ok := labels[LabelRetention]; ok {
		if days, ok := parseRetentionDays(v, c.ContainerID); ok {
			c.RetentionDays = &days
		}
	}
	return c
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// parseRetentionDays accepts "7d", "168h" or a plain number of days.
// Durations are rounded up to whole days.
func parseRetentionDays(retentionStr string, containerID string) (int, bool) {
	value := strings.TrimSpace(retentionStr)
	if value == "" {
		return 0, false
	}

	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			logger.Log.Warn("Negative retention label ignored", zap.String("containerID", containerID), zap.String("value", value))
			return 0, false
		}
		day := 24 * time.Hour
		return int((d + day - 1) / day), true
	}

	days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
	if err != nil || days < 0 {
		logger.Log.Warn("Invalid retention label ignored. Supported formats: '7d', '168h' or a number of days.",
			zap.String("containerID", containerID),
			zap.String("value", value),
		)
		return 0, false
	}
	return days, true
}
