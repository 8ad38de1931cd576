package compose

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/types"
)

// SpecError reports a template whose compose file is missing a required
// anchor. The synthesizer is a pure textual rewriter; the two anchors below
// are its only contract with template authors.
type SpecError struct {
	Anchor string
	Path   string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("compose spec %s: missing %s anchor", e.Path, e.Anchor)
}

var (
	// portMappingRe matches the template's default host:container port
	// mapping, e.g. `- "8080:80"`.
	portMappingRe = regexp.MustCompile(`^(\s*-\s*["']?)(\d+):(\d+)(["']?\s*)$`)

	// containerNameRe matches the template's container_name line.
	containerNameRe = regexp.MustCompile(`^(\s*)container_name:\s*(\S+)\s*$`)
)

// managedKeys are service keys the synthesizer owns. Existing occurrences
// are dropped before injection so the rewrite is idempotent across limit
// updates; templates must not rely on their own values for these keys.
var managedKeys = []string{
	"restart:", "cpus:", "mem_limit:", "mem_reservation:",
	"cap_add:", "tmpfs:", "environment:",
	"- NET_ADMIN", "- /tmp:size=", "- CLUSTER_",
}

// Rewrite mutates compose text for one cluster: host port, unique container
// name, resource limits, traffic-shaping capability, restart policy, tmpfs
// bound and cluster environment.
func Rewrite(text string, cluster *types.Cluster) (string, error) {
	lines := strings.Split(text, "\n")

	portDone := false
	nameDone := false
	out := make([]string, 0, len(lines)+16)

	for _, line := range lines {
		if !portDone {
			if m := portMappingRe.FindStringSubmatch(line); m != nil {
				out = append(out, fmt.Sprintf("%s%d:%s%s", m[1], cluster.Port, m[3], m[4]))
				portDone = true
				continue
			}
		}

		if !nameDone {
			if m := containerNameRe.FindStringSubmatch(line); m != nil {
				indent := m[1]
				name := ContainerName(m[2], cluster.Name)
				out = append(out, indent+"container_name: "+name)
				out = append(out, limitBlock(indent, cluster)...)
				nameDone = true
				continue
			}
		}

		if managedLine(line) {
			continue
		}
		out = append(out, line)
	}

	if !portDone {
		return "", &SpecError{Anchor: "port mapping"}
	}
	if !nameDone {
		return "", &SpecError{Anchor: "container_name"}
	}

	return strings.Join(out, "\n"), nil
}

// RewriteFile rewrites the compose file at path in place.
func RewriteFile(path string, cluster *types.Cluster) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read compose file: %w", err)
	}

	text, err := Rewrite(string(data), cluster)
	if err != nil {
		if se, ok := err.(*SpecError); ok {
			se.Path = path
		}
		return err
	}

	if err := os.WriteFile(path, []byte(text), 0664); err != nil {
		return fmt.Errorf("failed to write compose file: %w", err)
	}
	return nil
}

// ContainerName derives the per-cluster container name from the template's
// default name, sanitized to [a-z0-9_]. A name that already carries the
// cluster suffix is kept, so re-rewriting a live compose file (limit
// updates) never changes the container's identity.
func ContainerName(defaultName, clusterName string) string {
	base := runtime.SanitizeName(defaultName)
	suffix := "_" + runtime.SanitizeName(clusterName)
	if strings.HasSuffix(base, suffix) {
		return base
	}
	return base + suffix
}

func limitBlock(indent string, cluster *types.Cluster) []string {
	memory := cluster.MemoryLimitMiB
	reservation := memory / 2

	return []string{
		indent + fmt.Sprintf("cpus: %.2f", cluster.CPULimit),
		indent + fmt.Sprintf("mem_limit: %dm", memory),
		indent + fmt.Sprintf("mem_reservation: %dm", reservation),
		indent + "restart: unless-stopped",
		indent + "cap_add:",
		indent + "  - NET_ADMIN",
		indent + "tmpfs:",
		indent + fmt.Sprintf("  - /tmp:size=%dg", cluster.DiskLimitGiB),
		indent + "environment:",
		indent + fmt.Sprintf("  - CLUSTER_PORT=%d", cluster.Port),
		indent + fmt.Sprintf("  - CLUSTER_MEMORY_MB=%d", memory),
		indent + fmt.Sprintf("  - CLUSTER_CPU=%.2f", cluster.CPULimit),
	}
}

func managedLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, key := range managedKeys {
		if strings.HasPrefix(trimmed, key) {
			return true
		}
	}
	return false
}
