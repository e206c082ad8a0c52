package store

import (
	"context"
	"fmt"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
)

const DefaultLogLimit = 20

// StartJob appends e. Terminal entries cannot be started.
func (s *Store) StartJob(ctx context.Context, e *model.JobLogEntry) error {
	if e.Status.Terminal() {
		return fmt.Errorf("cannot start job log entry with terminal status %q", e.Status)
	}
	e.ID = 0
	e.EndTime = nil
	if e.StartTime.IsZero() {
		e.StartTime = time.Now().UTC()
	}
	e.StartTime = e.StartTime.UTC()
	return s.db.WithContext(ctx).Create(e).Error
}

// FinishJob moves entry id to a terminal status. It succeeds only once per
// entry.
func (s *Store) FinishJob(ctx context.Context, id int64, status model.LogStatus, backupFile, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	updates := map[string]interface{}{
		"status":   status,
		"end_time": time.Now().UTC(),
		"message":  message,
	}
	if backupFile != "" {
		updates["backup_file"] = backupFile
	}

	res := s.db.WithContext(ctx).Model(&model.JobLogEntry{}).
		Where("id = ? AND end_time IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.JobLogEntry{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrLogFinished
}

// ListJobLogs returns the newest entries of a profile. A non-positive
// limit uses DefaultLogLimit.
func (s *Store) ListJobLogs(ctx context.Context, profileID int64, limit int) ([]model.JobLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	var entries []model.JobLogEntry
	err := s.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("start_time desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// JobCounts holds the terminal outcomes recorded for a profile.
type JobCounts struct {
	Success int64
	Failed  int64
}

func (s *Store) CountJobLogs(ctx context.Context, profileID int64) (JobCounts, error) {
	var rows []struct {
		Status model.LogStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&model.JobLogEntry{}).
		Select("status, COUNT(*) AS total").
		Where("profile_id = ?", profileID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return JobCounts{}, err
	}

	var counts JobCounts
	for _, r := range rows {
		switch r.Status {
		case model.LogStatusSuccess:
			counts.Success = r.Total
		case model.LogStatusFailed:
			counts.Failed = r.Total
		}
	}
	return counts, nil
}
