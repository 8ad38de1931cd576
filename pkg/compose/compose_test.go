package compose

import (
	"errors"
	"strings"
	"testing"

	"github.com/corralhq/corral/pkg/types"
)

const testTemplate = `version: "3"
services:
  web:
    image: php:8-apache
    container_name: php_web
    restart: always
    mem_limit: 9999m
    ports:
      - "8080:80"
    volumes:
      - ./src:/var/www/html
`

func testCluster() *types.Cluster {
	return &types.Cluster{
		ID:             "c1",
		Name:           "shop-php_web-20260824-1200-abcdef12",
		Port:           9001,
		CPULimit:       1.5,
		MemoryLimitMiB: 1024,
		DiskLimitGiB:   5,
	}
}

func TestRewrite(t *testing.T) {
	out, err := Rewrite(testTemplate, testCluster())
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	for _, want := range []string{
		`- "9001:80"`,
		"container_name: php_web_shop_php_web_20260824_1200_abcdef12",
		"cpus: 1.50",
		"mem_limit: 1024m",
		"mem_reservation: 512m",
		"restart: unless-stopped",
		"- NET_ADMIN",
		"- /tmp:size=5g",
		"- CLUSTER_PORT=9001",
		"- CLUSTER_MEMORY_MB=1024",
		"- CLUSTER_CPU=1.50",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rewritten compose missing %q:\n%s", want, out)
		}
	}

	// The template's own values for managed keys must be gone.
	for _, gone := range []string{"8080:80", "restart: always", "mem_limit: 9999m"} {
		if strings.Contains(out, gone) {
			t.Errorf("rewritten compose still contains %q", gone)
		}
	}

	// Unmanaged lines survive untouched.
	if !strings.Contains(out, "image: php:8-apache") || !strings.Contains(out, "- ./src:/var/www/html") {
		t.Error("rewrite dropped unmanaged template lines")
	}
}

func TestRewriteIdempotent(t *testing.T) {
	cluster := testCluster()
	once, err := Rewrite(testTemplate, cluster)
	if err != nil {
		t.Fatalf("first rewrite: %v", err)
	}

	cluster.MemoryLimitMiB = 2048
	twice, err := Rewrite(once, cluster)
	if err != nil {
		t.Fatalf("second rewrite: %v", err)
	}

	if strings.Contains(twice, "mem_limit: 1024m") {
		t.Error("stale limit survived the second rewrite")
	}
	if strings.Count(twice, "mem_limit:") != 1 {
		t.Errorf("expected exactly one mem_limit line:\n%s", twice)
	}
	if strings.Count(twice, "container_name:") != 1 {
		t.Errorf("expected exactly one container_name line:\n%s", twice)
	}
	// The container's identity survives a re-rewrite.
	if !strings.Contains(twice, "container_name: php_web_shop_php_web_20260824_1200_abcdef12\n") {
		t.Errorf("container name changed on the second rewrite:\n%s", twice)
	}
}

func TestRewriteMissingAnchors(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		anchor string
	}{
		{"no port mapping", "services:\n  web:\n    container_name: php_web\n", "port mapping"},
		{"no container name", "services:\n  web:\n    ports:\n      - \"8080:80\"\n", "container_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Rewrite(tt.text, testCluster())
			var se *SpecError
			if !errors.As(err, &se) {
				t.Fatalf("expected a SpecError, got %v", err)
			}
			if se.Anchor != tt.anchor {
				t.Errorf("anchor = %q, want %q", se.Anchor, tt.anchor)
			}
		})
	}
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		def, cluster, want string
	}{
		{"php_web", "shop-php_web-20260824-1200-abcdef12", "php_web_shop_php_web_20260824_1200_abcdef12"},
		{"My-App", "Test.Cluster", "my_app_test_cluster"},
	}
	for _, tt := range tests {
		if got := ContainerName(tt.def, tt.cluster); got != tt.want {
			t.Errorf("ContainerName(%q, %q) = %q, want %q", tt.def, tt.cluster, got, tt.want)
		}
	}
}
