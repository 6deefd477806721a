package repository

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/database"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// MinioAttachmentStore attachment objects under channels/<channel id>/
type MinioAttachmentStore struct {
	client *database.MinIOClient
	expiry time.Duration
}

// NewMinioAttachmentStore create MinioAttachmentStore
func NewMinioAttachmentStore(client *database.MinIOClient, expiry time.Duration) *MinioAttachmentStore {
	return &MinioAttachmentStore{client: client, expiry: expiry}
}

// ObjectKey build a fresh key for an upload into channelID
func ObjectKey(channelID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" {
		base = "file"
	}
	return path.Join("channels", channelID, uuid.NewString()+"-"+base)
}

// PresignUpload return object key and presigned PUT URL
func (s *MinioAttachmentStore) PresignUpload(ctx context.Context, channelID, fileName string) (string, string, error) {
	key := ObjectKey(channelID, fileName)
	u, err := s.client.PresignPutURL(ctx, key, s.expiry)
	if err != nil {
		return "", "", err
	}
	return key, u, nil
}

// Resolve verify the object exists under channelID and fill size, type and a GET URL
func (s *MinioAttachmentStore) Resolve(ctx context.Context, channelID string, a domain.Attachment) (domain.Attachment, error) {
	if !strings.HasPrefix(a.ObjectKey, path.Join("channels", channelID)+"/") {
		return a, domain.Invalid("attachment does not belong to this channel")
	}
	info, err := s.client.StatFile(ctx, a.ObjectKey)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return a, domain.Invalid("attachment not uploaded")
		}
		return a, fmt.Errorf("stat attachment: %w", err)
	}
	a.Size = info.Size
	if a.ContentType == "" {
		a.ContentType = info.ContentType
	}
	if a.FileName == "" {
		a.FileName = path.Base(a.ObjectKey)
	}
	return s.Sign(ctx, a)
}

// Sign attach a presigned GET URL
func (s *MinioAttachmentStore) Sign(ctx context.Context, a domain.Attachment) (domain.Attachment, error) {
	u, err := s.client.PresignGetURL(ctx, a.ObjectKey, s.expiry)
	if err != nil {
		return a, err
	}
	a.URL = u
	return a, nil
}
