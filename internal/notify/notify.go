package notify

import (
	"fmt"
	"time"
)

type EventKind string

const (
	EventDump   EventKind = "dump"
	EventUpload EventKind = "upload"
)

// Event describes the outcome of one dump or upload.
type Event struct {
	Kind        EventKind     `json:"kind"`
	RunID       string        `json:"run_id"`
	ProfileID   int64         `json:"profile_id"`
	ProfileName string        `json:"profile_name"`
	Database    string        `json:"database_name,omitempty"`
	Container   string        `json:"container_name,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	ArtifactID  int64         `json:"artifact_id,omitempty"`
	BackupFile  string        `json:"backup_file,omitempty"`
	SizeBytes   int64         `json:"backup_size_bytes,omitempty"`
	Link        string        `json:"link,omitempty"`
	Duration    time.Duration `json:"-"`
	Timestamp   time.Time     `json:"timestamp_utc"`
}

// Summary renders e as a short human readable line.
func (e Event) Summary() string {
	status := "succeeded"
	if !e.Success {
		status = "failed"
	}
	s := fmt.Sprintf("%s for profile %q %s", e.Kind, e.ProfileName, status)
	if e.BackupFile != "" {
		s += fmt.Sprintf(" (%s)", e.BackupFile)
	}
	if e.Error != "" {
		s += ": " + e.Error
	}
	return s
}

// Notifier delivers events without blocking the caller.
type Notifier interface {
	Notify(e Event)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}

type Nop struct{}

func (Nop) Notify(Event) {}
