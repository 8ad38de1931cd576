package template

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTemplateNotFound is returned when the named template directory is
// absent.
var ErrTemplateNotFound = errors.New("template not found")

// Permissions applied while materializing a cluster tree.
const (
	dirMode  = 0775 // owner-rwx, group-rwx, other-rx
	fileMode = 0664 // owner-rw, group-rw, other-r
)

// ComposeFileName is the compose spec inside every template and cluster root.
const ComposeFileName = "docker-compose.yml"

// Service materializes cluster filesystems from versioned templates.
type Service struct {
	templatesDir string
	clustersDir  string
	scriptsDir   string
}

// NewService creates a filesystem service rooted at the configured base
// directories.
func NewService(templatesDir, clustersDir, scriptsDir string) *Service {
	return &Service{
		templatesDir: templatesDir,
		clustersDir:  clustersDir,
		scriptsDir:   scriptsDir,
	}
}

// Lookup resolves a template name to its directory.
func (s *Service) Lookup(name string) (string, error) {
	path := filepath.Join(s.templatesDir, name)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return path, nil
}

// CreateClusterDir creates (idempotently) and returns the root directory for
// a cluster.
func (s *Service) CreateClusterDir(name string) (string, error) {
	path := filepath.Join(s.clustersDir, name)
	if err := os.MkdirAll(path, dirMode); err != nil {
		return "", fmt.Errorf("failed to create cluster dir: %w", err)
	}
	return path, nil
}

// CopyTemplate recursively copies the template tree into the cluster root,
// preserving relative structure and normalizing permissions.
func (s *Service) CopyTemplate(templateName, clusterPath string) error {
	src, err := s.Lookup(templateName)
	if err != nil {
		return err
	}
	return copyTree(src, clusterPath)
}

// CopyScripts layers the shared helper scripts on top of a cluster root.
func (s *Service) CopyScripts(clusterPath string) error {
	if s.scriptsDir == "" {
		return nil
	}
	if _, err := os.Stat(s.scriptsDir); os.IsNotExist(err) {
		return nil
	}
	return copyTree(s.scriptsDir, clusterPath)
}

// RemoveDir removes a cluster directory recursively; an absent path is not
// an error.
func (s *Service) RemoveDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// WriteFile writes content to path with normalized file permissions.
func (s *Service) WriteFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), fileMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile returns the content of path.
func (s *Service) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// ComposePath returns the compose file location inside a cluster root.
func ComposePath(clusterPath string) string {
	return filepath.Join(clusterPath, ComposeFileName)
}

// SrcPath returns the mounted source subtree inside a cluster root.
func SrcPath(clusterPath string) string {
	return filepath.Join(clusterPath, "src")
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			if err := os.MkdirAll(target, dirMode); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			// MkdirAll honors umask; force the normalized mode.
			return os.Chmod(target, dirMode)
		}

		if err := copyFile(path, target); err != nil {
			return err
		}
		return os.Chmod(target, fileMode)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
