package writer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	DriveWriterType = "drive"
	driveFolderMime = "application/vnd.google-apps.folder"
)

// DriveWriter uploads artifacts into a named Google Drive folder.
type DriveWriter struct {
	provider DriveClientProvider
}

func init() {
	RegisterWriterFactory(DriveWriterType, NewDriveWriter)
}

func NewDriveWriter(deps Dependencies) (RemoteWriter, error) {
	if deps.Drive == nil {
		return nil, fmt.Errorf("drive writer requires a drive client provider")
	}
	return &DriveWriter{provider: deps.Drive}, nil
}

func (dw *DriveWriter) Type() string {
	return DriveWriterType
}

func (dw *DriveWriter) Authenticated(ctx context.Context) error {
	if !dw.provider.IsAuthenticated(ctx) {
		return ErrNotAuthenticated
	}
	return nil
}

func (dw *DriveWriter) Upload(ctx context.Context, obj Object) (string, error) {
	svc, err := dw.provider.Service(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	folderID := ""
	if obj.Folder != "" {
		folderID, err = findOrCreateFolder(ctx, svc, obj.Folder)
		if err != nil {
			return "", mapDriveError(err)
		}
	}

	if existing, err := findFile(ctx, svc, folderID, obj.Name); err != nil {
		return "", mapDriveError(err)
	} else if existing != nil {
		logger.Log.Info("Drive already holds this artifact, reusing it",
			zap.String("name", obj.Name),
			zap.String("fileId", existing.Id),
		)
		return driveLink(existing), nil
	}

	f, err := os.Open(obj.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", obj.LocalPath, err)
	}
	defer f.Close()

	meta := &drive.File{Name: obj.Name}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}

	logger.Log.Info("Uploading artifact to Google Drive",
		zap.String("name", obj.Name),
		zap.String("folder", obj.Folder),
	)
	created, err := svc.Files.Create(meta).
		Media(f).
		Fields("id, name, webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return "", mapDriveError(err)
	}
	return driveLink(created), nil
}

func findOrCreateFolder(ctx context.Context, svc *drive.Service, name string) (string, error) {
	q := fmt.Sprintf("mimeType = '%s' and name = '%s' and trashed = false", driveFolderMime, escapeQuery(name))
	list, err := svc.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	folder, err := svc.Files.Create(&drive.File{Name: name, MimeType: driveFolderMime}).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	logger.Log.Info("Created Google Drive folder", zap.String("folder", name), zap.String("folderId", folder.Id))
	return folder.Id, nil
}

func findFile(ctx context.Context, svc *drive.Service, folderID, name string) (*drive.File, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(folderID))
	}
	list, err := svc.Files.List().Q(q).Fields("files(id, name, webViewLink)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return list.Files[0], nil
}

func driveLink(f *drive.File) string {
	if f.WebViewLink != "" {
		return f.WebViewLink
	}
	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", f.Id)
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func mapDriveError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		for _, item := range apiErr.Errors {
			switch item.Reason {
			case "storageQuotaExceeded", "quotaExceeded", "teamDriveFileLimitExceeded":
				return fmt.Errorf("%w: %s", ErrQuotaExceeded, item.Message)
			}
		}
	}
	return err
}
