package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	base := t.TempDir()

	templates := filepath.Join(base, "templates")
	clusters := filepath.Join(base, "clusters")
	scripts := filepath.Join(base, "scripts")

	if err := os.MkdirAll(filepath.Join(templates, "php_web", "src"), 0775); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(templates, "php_web", ComposeFileName), "services: {}\n")
	mustWrite(t, filepath.Join(templates, "php_web", "src", "index.php"), "<?php\n")

	if err := os.MkdirAll(scripts, 0775); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(scripts, "healthcheck.sh"), "#!/bin/sh\n")

	return NewService(templates, clusters, scripts), base
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0664); err != nil {
		t.Fatal(err)
	}
}

func TestLookup(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.Lookup("php_web"); err != nil {
		t.Errorf("Lookup(php_web): %v", err)
	}

	_, err := s.Lookup("nope")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Lookup(nope) = %v, want ErrTemplateNotFound", err)
	}
}

func TestLookupRejectsFiles(t *testing.T) {
	s, base := newTestService(t)
	mustWrite(t, filepath.Join(base, "templates", "flatfile"), "not a template\n")

	if _, err := s.Lookup("flatfile"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Lookup(flatfile) = %v, want ErrTemplateNotFound", err)
	}
}

func TestCopyTemplatePreservesTree(t *testing.T) {
	s, _ := newTestService(t)

	dir, err := s.CreateClusterDir("web-1")
	if err != nil {
		t.Fatalf("CreateClusterDir: %v", err)
	}
	if err := s.CopyTemplate("php_web", dir); err != nil {
		t.Fatalf("CopyTemplate: %v", err)
	}

	for _, rel := range []string{ComposeFileName, filepath.Join("src", "index.php")} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("missing %s after copy: %v", rel, err)
		}
	}

	info, err := os.Stat(filepath.Join(dir, "src"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != dirMode {
		t.Errorf("src dir mode = %o, want %o", info.Mode().Perm(), dirMode)
	}
	info, err = os.Stat(filepath.Join(dir, ComposeFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != fileMode {
		t.Errorf("compose file mode = %o, want %o", info.Mode().Perm(), fileMode)
	}
}

func TestCopyScripts(t *testing.T) {
	s, _ := newTestService(t)

	dir, err := s.CreateClusterDir("web-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CopyScripts(dir); err != nil {
		t.Fatalf("CopyScripts: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "healthcheck.sh")); err != nil {
		t.Errorf("script not copied: %v", err)
	}
}

func TestCopyScriptsMissingDirIsNoop(t *testing.T) {
	s := NewService(t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "absent"))
	if err := s.CopyScripts(t.TempDir()); err != nil {
		t.Errorf("CopyScripts with absent source: %v", err)
	}
}

func TestRemoveDirIdempotent(t *testing.T) {
	s, _ := newTestService(t)

	dir, err := s.CreateClusterDir("web-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDir(dir); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("cluster dir still present after RemoveDir")
	}
	if err := s.RemoveDir(dir); err != nil {
		t.Errorf("second RemoveDir: %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	if got := ComposePath("/x/web-1"); got != "/x/web-1/docker-compose.yml" {
		t.Errorf("ComposePath = %q", got)
	}
	if got := SrcPath("/x/web-1"); got != "/x/web-1/src" {
		t.Errorf("SrcPath = %q", got)
	}
}
