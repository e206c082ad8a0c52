package store

import (
	"context"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
)

func (s *Store) CreateArtifact(ctx context.Context, a *model.BackupArtifact) error {
	a.ID = 0
	if !a.CreatedAt.IsZero() {
		a.CreatedAt = a.CreatedAt.UTC()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) GetArtifact(ctx context.Context, id int64) (*model.BackupArtifact, error) {
	var a model.BackupArtifact
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListArtifacts returns artifacts newest first. A zero profileID lists
// every profile.
func (s *Store) ListArtifacts(ctx context.Context, profileID int64) ([]model.BackupArtifact, error) {
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if profileID != 0 {
		q = q.Where("profile_id = ?", profileID)
	}
	var artifacts []model.BackupArtifact
	if err := q.Find(&artifacts).Error; err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *Store) LatestArtifact(ctx context.Context, profileID int64) (*model.BackupArtifact, error) {
	var a model.BackupArtifact
	err := s.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("created_at desc, id desc").
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// PendingArtifacts lists the artifacts of a profile that were never
// uploaded, oldest first.
func (s *Store) PendingArtifacts(ctx context.Context, profileID int64) ([]model.BackupArtifact, error) {
	var artifacts []model.BackupArtifact
	err := s.db.WithContext(ctx).
		Where("profile_id = ? AND uploaded = ?", profileID, false).
		Order("created_at asc, id asc").
		Find(&artifacts).Error
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *Store) MarkUploaded(ctx context.Context, id int64, link string) error {
	res := s.db.WithContext(ctx).Model(&model.BackupArtifact{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"uploaded": true, "drive_link": link})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&model.BackupArtifact{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
