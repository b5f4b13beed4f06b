package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/session"
	"OnyxLab-Core/pkg/logger"
)

// CodeArchiveFailure 表示部署产物归档失败，不影响会话状态。
const CodeArchiveFailure xerrors.Code = "ARCHIVE_FAILURE"

// ManifestFileName 是归档目录中描述部署结果的文件名。
const ManifestFileName = "deployment.json"

func init() {
	xerrors.Register(CodeArchiveFailure, xerrors.Attributes{
		Message:   "archive failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
		Category:  xerrors.CategoryInternal,
	})
}

// Config 描述 S3 兼容对象存储的连接参数。
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archiver 将部署成功的产物写入对象存储，按会话 ID 分目录。
type Archiver struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

// NewArchiver 创建归档器。凭证不会出现在返回的错误中。
func NewArchiver(cfg Config) (*Archiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对象存储 endpoint 不能为空")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对象存储凭证未配置")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对象存储 bucket 不能为空")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "初始化对象存储客户端失败")
	}
	return &Archiver{client: client, bucket: bucket, region: region}, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if exists {
			return
		}
		a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
	})
	return a.initErr
}

type manifest struct {
	SessionID    string `json:"session_id"`
	DeploymentID string `json:"cre_workflow_id"`
	Endpoint     string `json:"endpoint,omitempty"`
	PaymentID    string `json:"payment_id"`
	Attempts     int    `json:"attempts"`
	DeployedAt   string `json:"deployed_at"`
}

// Archive 写入 workflow.yaml、function.js 与部署清单。
func (a *Archiver) Archive(ctx context.Context, d *session.DeployedWorkflow) error {
	if a == nil || a.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "归档器未初始化")
	}
	if d == nil || strings.TrimSpace(d.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录缺少会话 ID")
	}
	if err := a.ensureBucket(ctx); err != nil {
		return xerrors.Wrap(CodeArchiveFailure, err, "检查归档 bucket 失败")
	}

	meta, err := json.MarshalIndent(manifest{
		SessionID:    d.SessionID,
		DeploymentID: d.DeploymentID,
		Endpoint:     d.Endpoint,
		PaymentID:    d.PaymentID,
		Attempts:     d.Attempts,
		DeployedAt:   d.DeployedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}, "", "  ")
	if err != nil {
		return xerrors.Wrap(CodeArchiveFailure, err, "编码部署清单失败")
	}

	objects := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{artifact.WorkflowFileName, "application/yaml", []byte(d.WorkflowYAML)},
		{artifact.FunctionFileName, "application/javascript", []byte(d.FunctionJS)},
		{ManifestFileName, "application/json", meta},
	}
	for _, obj := range objects {
		key := ObjectKey(d.SessionID, obj.name)
		_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(obj.body), int64(len(obj.body)), minio.PutObjectOptions{
			ContentType: obj.contentType,
		})
		if err != nil {
			return xerrors.Wrap(CodeArchiveFailure, err, "写入归档对象失败", xerrors.WithMetadata("key", key))
		}
	}
	logger.L().Info("部署产物已归档",
		slog.String("session_id", d.SessionID),
		slog.String("bucket", a.bucket))
	return nil
}

// ObjectKey 返回会话产物在 bucket 中的路径。
func ObjectKey(sessionID, name string) string {
	return path.Join(strings.TrimSpace(sessionID), strings.TrimLeft(strings.TrimSpace(name), "/"))
}

var _ session.Archiver = (*Archiver)(nil)
