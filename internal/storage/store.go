// Package storage 保存任务的输入与输出归档
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/config"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("artifact not found")

// 任务内的固定对象名
const (
	InputObject   = "input.jar"
	OutputObject  = "output.jar"
	MappingObject = "mapping.txt"
)

// Store 按任务组织的对象存储
type Store interface {
	Put(ctx context.Context, jobID, name string, content []byte) error
	Get(ctx context.Context, jobID, name string) ([]byte, error)
	Delete(ctx context.Context, jobID string) error
}

// New 按配置创建存储
func New(cfg *config.StorageConfig, logger *logrus.Logger) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "s3", "minio":
		return NewS3Store(cfg.S3, logger)
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// ObjectKey 任务对象键
func ObjectKey(jobID, name string) string {
	return strings.TrimSpace(jobID) + "/" + strings.TrimLeft(strings.TrimSpace(name), "/")
}

func validate(jobID, name string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("object name is required")
	}
	if strings.Contains(jobID, "..") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid object key %q", ObjectKey(jobID, name))
	}
	return nil
}

// LocalStore 本地目录存储
type LocalStore struct {
	root string
}

// NewLocalStore 创建本地存储
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage dir is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(jobID, name string) string {
	return filepath.Join(s.root, filepath.FromSlash(ObjectKey(jobID, name)))
}

func (s *LocalStore) Put(_ context.Context, jobID, name string, content []byte) error {
	if err := validate(jobID, name); err != nil {
		return err
	}
	p := s.path(jobID, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *LocalStore) Get(_ context.Context, jobID, name string) ([]byte, error) {
	if err := validate(jobID, name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(jobID, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) Delete(_ context.Context, jobID string) error {
	if err := validate(jobID, "-"); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, jobID))
}
