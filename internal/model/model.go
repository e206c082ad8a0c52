package model

import "time"

// Profile is a saved database connection together with its backup policy.
type Profile struct {
	ID                 int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name               string    `json:"name" gorm:"not null"`
	Description        string    `json:"description"`
	DBUser             string    `json:"db_user" gorm:"column:db_user;not null"`
	DBPassword         string    `json:"db_password,omitempty" gorm:"column:db_password"`
	ContainerName      string    `json:"container_name" gorm:"not null"`
	DBName             string    `json:"db_name" gorm:"column:db_name;not null"`
	IsActive           bool      `json:"is_active" gorm:"not null;index"`
	GoogleClientID     string    `json:"google_client_id"`
	GoogleClientSecret string    `json:"google_client_secret,omitempty"`
	BackupDir          string    `json:"backup_dir"`
	CronSchedule       string    `json:"cron_schedule"`
	BackupRetention    int       `json:"backup_retention" gorm:"not null"`
	UploadToDrive      bool      `json:"upload_to_drive" gorm:"not null"`
	FolderDrive        string    `json:"folder_drive"`
	SchedulePaused     bool      `json:"schedule_paused" gorm:"not null"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand out over the API.
func (p Profile) Redacted() Profile {
	p.DBPassword = ""
	p.GoogleClientSecret = ""
	return p
}

// BackupArtifact is one dump file produced for a profile.
type BackupArtifact struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ProfileID  int64     `json:"profile_id" gorm:"not null;index"`
	Name       string    `json:"name" gorm:"not null"`
	Path       string    `json:"path" gorm:"not null"`
	Size       int64     `json:"size"`
	Uploaded   bool      `json:"uploaded" gorm:"not null"`
	DriveLink  string    `json:"drive_link,omitempty"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
	FileExists bool      `json:"file_exists" gorm:"-"`
}

type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
)

// ScheduledJob is the live scheduling state of one profile.
type ScheduledJob struct {
	ProfileID    int64      `json:"profile_id"`
	ProfileName  string     `json:"profile_name"`
	Schedule     string     `json:"schedule"`
	Status       JobStatus  `json:"status"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	SuccessCount int64      `json:"success_count"`
	FailedCount  int64      `json:"failed_count"`
}

type LogStatus string

const (
	LogStatusRunning LogStatus = "running"
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusManual  LogStatus = "manual"
)

func (s LogStatus) Terminal() bool {
	return s == LogStatusSuccess || s == LogStatusFailed
}

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerUpload    Trigger = "upload"
)

// JobLogEntry records one execution. EndTime is written once, when the
// entry reaches a terminal status.
type JobLogEntry struct {
	ID         int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	ProfileID  int64      `json:"profile_id" gorm:"not null;index"`
	Status     LogStatus  `json:"status" gorm:"not null"`
	Trigger    Trigger    `json:"trigger"`
	StartTime  time.Time  `json:"start_time" gorm:"not null;index"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	BackupFile string     `json:"backup_file,omitempty"`
	Message    string     `json:"message"`
}

type ScheduleOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description"`
}
