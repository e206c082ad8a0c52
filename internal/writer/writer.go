package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
)

var (
	// ErrNotAuthenticated means the remote target cannot be used until its
	// credentials are completed.
	ErrNotAuthenticated = errors.New("remote storage is not authenticated")
	ErrQuotaExceeded    = errors.New("remote storage quota exceeded")
)

// Object describes a closed local file to ship to a remote target.
type Object struct {
	LocalPath string
	Folder    string
	Name      string
}

// RemoteWriter ships finished artifacts off the host.
type RemoteWriter interface {
	Type() string
	// Authenticated returns nil when Upload can be attempted and an error
	// wrapping ErrNotAuthenticated otherwise.
	Authenticated(ctx context.Context) error
	// Upload transfers obj and returns a link to the remote copy. A remote
	// object with the same folder and name is reused.
	Upload(ctx context.Context, obj Object) (link string, err error)
}

// DriveClientProvider hands out authorised Drive clients.
type DriveClientProvider interface {
	IsAuthenticated(ctx context.Context) bool
	Service(ctx context.Context) (*drive.Service, error)
}

// Dependencies are shared by every remote writer factory.
type Dependencies struct {
	Config *config.Config
	Drive  DriveClientProvider
}

type NewRemoteWriterFunc func(deps Dependencies) (RemoteWriter, error)

var (
	factoriesMu     sync.RWMutex
	writerFactories = make(map[string]NewRemoteWriterFunc)
)

// RegisterWriterFactory allows remote writer implementations to register themselves.
func RegisterWriterFactory(destType string, factory NewRemoteWriterFunc) {
	if factory == nil {
		logger.Log.Fatal("Writer factory is nil", zap.String("destType", destType))
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := writerFactories[destType]; ok {
		logger.Log.Fatal("Writer factory already registered", zap.String("destType", destType))
	}
	writerFactories[destType] = factory
}

// GetWriter builds the remote writer registered for destType.
func GetWriter(destType string, deps Dependencies) (RemoteWriter, error) {
	destType = strings.ToLower(strings.TrimSpace(destType))
	if destType == "" {
		destType = DriveWriterType
	}

	factoriesMu.RLock()
	factory, ok := writerFactories[destType]
	factoriesMu.RUnlock()
	if !ok {
		err := fmt.Errorf("no writer registered for destination type: %s", destType)
		logger.Log.Error("Failed to get writer: no factory registered", zap.String("destType", destType), zap.Error(err))
		return nil, err
	}
	return factory(deps)
}

// remoteKey joins a folder and object name into a slash separated key.
func remoteKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// GenerateObjectName builds the relative path of a dump taken at ts, for
// example 2026-01-02/shop_20260102_030405.sql.gz. ext must include its dot.
func GenerateObjectName(dbName string, ts time.Time, ext string) string {
	dbNamePart := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '.' || r == '_' {
			return r
		}
		return '_'
	}, dbName)
	if dbNamePart == "" {
		dbNamePart = "database"
	}
	return fmt.Sprintf("%s/%s_%s%s", ts.Format("2006-01-02"), dbNamePart, ts.Format("20060102_150405"), ext)
}
