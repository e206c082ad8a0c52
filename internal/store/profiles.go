package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"

	"gorm.io/gorm"
)

const (
	DefaultRetentionDays = 7
	DefaultFolderDrive   = "backups"
)

// editableColumns are written by UpdateProfile. Secrets are handled apart so
// an empty value keeps the stored one.
var editableColumns = []string{
	"name", "description", "db_user", "container_name", "db_name",
	"google_client_id", "backup_dir", "cron_schedule", "backup_retention",
	"upload_to_drive", "folder_drive",
}

func ValidateProfile(p *model.Profile) error {
	var missing []string
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(p.DBUser) == "" {
		missing = append(missing, "db_user")
	}
	if strings.TrimSpace(p.ContainerName) == "" {
		missing = append(missing, "container_name")
	}
	if strings.TrimSpace(p.DBName) == "" {
		missing = append(missing, "db_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidProfile, strings.Join(missing, ", "))
	}
	if p.BackupRetention < 0 {
		return fmt.Errorf("%w: backup_retention must be >= 0", ErrInvalidProfile)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id int64) (*model.Profile, error) {
	var p model.Profile
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	var profiles []model.Profile
	if err := s.db.WithContext(ctx).Order("id asc").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

func (s *Store) ActiveProfile(ctx context.Context) (*model.Profile, error) {
	var p model.Profile
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// CreateProfile stores p. A profile created active takes the flag from
// whichever profile held it.
func (s *Store) CreateProfile(ctx context.Context, p *model.Profile) error {
	p.ID = 0
	if p.FolderDrive == "" {
		p.FolderDrive = DefaultFolderDrive
	}
	if err := ValidateProfile(p); err != nil {
		return err
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.IsActive {
			if err := clearActive(tx); err != nil {
				return err
			}
		}
		return tx.Create(p).Error
	})
}

// UpdateProfile replaces the editable fields of profile id with those of p.
func (s *Store) UpdateProfile(ctx context.Context, id int64, p model.Profile) (*model.Profile, error) {
	if err := ValidateProfile(&p); err != nil {
		return nil, err
	}
	if p.FolderDrive == "" {
		p.FolderDrive = DefaultFolderDrive
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	var updated model.Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&updated, id).Error; err != nil {
			return notFound(err)
		}

		columns := append([]string(nil), editableColumns...)
		if p.DBPassword != "" {
			columns = append(columns, "db_password")
		}
		if p.GoogleClientSecret != "" {
			columns = append(columns, "google_client_secret")
		}
		if p.IsActive != updated.IsActive {
			if p.IsActive {
				if err := clearActive(tx); err != nil {
					return err
				}
			}
			columns = append(columns, "is_active")
		}

		if err := tx.Model(&updated).Select(columns).Updates(&p).Error; err != nil {
			return err
		}
		return tx.First(&updated, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteProfile refuses to remove the active profile.
func (s *Store) DeleteProfile(ctx context.Context, id int64) error {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Profile
		if err := tx.First(&p, id).Error; err != nil {
			return notFound(err)
		}
		if p.IsActive {
			return ErrProfileActive
		}
		return tx.Delete(&model.Profile{}, id).Error
	})
}

// SetActive makes id the only active profile.
func (s *Store) SetActive(ctx context.Context, id int64) error {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Profile{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		if err := clearActive(tx); err != nil {
			return err
		}
		return tx.Model(&model.Profile{}).Where("id = ?", id).Update("is_active", true).Error
	})
}

// ToggleActive flips the flag of id and reports the resulting state.
// Deactivating leaves no profile active.
func (s *Store) ToggleActive(ctx context.Context, id int64) (bool, error) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	var active bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Profile
		if err := tx.First(&p, id).Error; err != nil {
			return notFound(err)
		}
		if p.IsActive {
			active = false
			return tx.Model(&p).Update("is_active", false).Error
		}
		if err := clearActive(tx); err != nil {
			return err
		}
		active = true
		return tx.Model(&model.Profile{}).Where("id = ?", id).Update("is_active", true).Error
	})
	return active, err
}

func (s *Store) SetCronSchedule(ctx context.Context, id int64, expr string) error {
	return s.updateProfileColumn(ctx, id, "cron_schedule", expr)
}

func (s *Store) SetSchedulePaused(ctx context.Context, id int64, paused bool) error {
	return s.updateProfileColumn(ctx, id, "schedule_paused", paused)
}

// SeedProfile creates p as the active profile when no profile exists yet.
func (s *Store) SeedProfile(ctx context.Context, p *model.Profile) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Profile{}).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	p.IsActive = true
	if err := s.CreateProfile(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) updateProfileColumn(ctx context.Context, id int64, column string, value interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.Profile{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func clearActive(tx *gorm.DB) error {
	return tx.Model(&model.Profile{}).Where("is_active = ?", true).Update("is_active", false).Error
}
