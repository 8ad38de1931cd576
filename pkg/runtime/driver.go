package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/types"
)

// Inspect field templates. These are the only runtime fields the control
// plane reads.
const (
	FieldStatus       = "{{.State.Status}}"
	FieldRestartCount = "{{.RestartCount}}"
	FieldStartedAt    = "{{.State.StartedAt}}"
	FieldExitCode     = "{{.State.ExitCode}}"
)

// Container status strings as reported by the runtime.
const (
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusExited     = "exited"
	StatusStopped    = "stopped"
)

const statsFormat = "{{.CPUPerc}};{{.MemUsage}};{{.NetIO}};{{.BlockIO}}"

// Driver is a thin adapter over a command-line container runtime. It keeps a
// name→id cache with explicit invalidation: on remove, on create, and on any
// "no such container" result.
type Driver struct {
	command string
	useSudo bool
	timeout time.Duration
	logger  zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[string]string // sanitized name -> container id
}

// Config configures the driver.
type Config struct {
	// Command is the runtime CLI binary, typically "docker".
	Command string
	// CommandTimeout bounds every runtime invocation.
	CommandTimeout time.Duration
}

// NewDriver probes the runtime binary and returns a driver. When the plain
// invocation lacks permission, a sudo prefix is autodetected via --version.
func NewDriver(cfg Config) (*Driver, error) {
	command := cfg.Command
	if command == "" {
		command = "docker"
	}
	timeout := cfg.CommandTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	d := &Driver{
		command: command,
		timeout: timeout,
		logger:  log.WithComponent("runtime"),
		cache:   make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := d.raw(ctx, false, "--version"); err != nil {
		if _, sudoErr := d.raw(ctx, true, "--version"); sudoErr != nil {
			return nil, fmt.Errorf("runtime %q unavailable: %w", command, err)
		}
		d.useSudo = true
		d.logger.Info().Str("command", command).Msg("runtime requires sudo, enabling prefix")
	}

	return d, nil
}

// run executes one runtime command and returns its combined output. Failures
// come back as a classified *Error.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	start := time.Now()
	out, err := d.raw(ctx, d.useSudo, args...)
	metrics.DriverCommandDuration.WithLabelValues(args[0]).Observe(time.Since(start).Seconds())

	if err == nil {
		return out, nil
	}

	kind := Classify(out)
	if kind == FailureNotFound {
		// A vanished container means every cached id for it is stale.
		d.invalidateByID(lastArg(args))
	}
	metrics.DriverCommandFailures.WithLabelValues(args[0], string(kind)).Inc()
	return out, &Error{Kind: kind, Output: out, Err: err}
}

func (d *Driver) raw(ctx context.Context, sudo bool, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	name := d.command
	if sudo {
		args = append([]string{"-n", d.command}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// ComposeUp materializes and starts the compose project in dir.
func (d *Driver) ComposeUp(ctx context.Context, dir string) (string, error) {
	return d.run(ctx, "compose", "--project-directory", dir, "up", "-d")
}

// ComposeStop stops the compose project in dir without removing containers.
func (d *Driver) ComposeStop(ctx context.Context, dir string) (string, error) {
	return d.run(ctx, "compose", "--project-directory", dir, "stop")
}

// RunSpec describes a directly-run container (used for FTP sidecars).
type RunSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   []string // "host:container" or "lo-hi:lo-hi"
	Volumes []string // "host:container"
	Restart string
}

// RunContainer launches a single container and returns its id.
func (d *Driver) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Restart != "" {
		args = append(args, "--restart", spec.Restart)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	args = append(args, spec.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}

	id := firstLine(out)
	d.cachePut(spec.Name, id)
	return id, nil
}

// Start starts a stopped container. "not found" is not an error.
func (d *Driver) Start(ctx context.Context, idOrName string) error {
	_, err := d.run(ctx, "start", idOrName)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// Stop stops a container. "not found" is not an error.
func (d *Driver) Stop(ctx context.Context, idOrName string) error {
	_, err := d.run(ctx, "stop", idOrName)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// Remove removes a container and invalidates the cache. "not found" is not
// an error.
func (d *Driver) Remove(ctx context.Context, idOrName string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, idOrName)

	_, err := d.run(ctx, args...)
	d.invalidateByID(idOrName)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// Inspect renders a single runtime field for a container.
func (d *Driver) Inspect(ctx context.Context, idOrName, fieldTemplate string) (string, error) {
	out, err := d.run(ctx, "inspect", "--format", fieldTemplate, idOrName)
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

// InspectRestartCount returns the container's restart counter.
func (d *Driver) InspectRestartCount(ctx context.Context, idOrName string) (int, error) {
	out, err := d.Inspect(ctx, idOrName, FieldRestartCount)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("unexpected restart count %q: %w", out, convErr)
	}
	return n, nil
}

// InspectExitCode returns the container's last exit code.
func (d *Driver) InspectExitCode(ctx context.Context, idOrName string) (int, error) {
	out, err := d.Inspect(ctx, idOrName, FieldExitCode)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("unexpected exit code %q: %w", out, convErr)
	}
	return n, nil
}

// InspectStartedAt returns the container's start time.
func (d *Driver) InspectStartedAt(ctx context.Context, idOrName string) (time.Time, error) {
	out, err := d.Inspect(ctx, idOrName, FieldStartedAt)
	if err != nil {
		return time.Time{}, err
	}
	t, parseErr := time.Parse(time.RFC3339Nano, strings.TrimSpace(out))
	if parseErr != nil {
		return time.Time{}, fmt.Errorf("unexpected started-at %q: %w", out, parseErr)
	}
	return t, nil
}

// Stats takes a single point sample of the container's resource counters.
func (d *Driver) Stats(ctx context.Context, idOrName string) (*types.StatsSample, error) {
	out, err := d.run(ctx, "stats", "--no-stream", "--format", statsFormat, idOrName)
	if err != nil {
		return nil, err
	}
	return parseStatsLine(firstLine(out))
}

func parseStatsLine(line string) (*types.StatsSample, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 4 {
		return nil, fmt.Errorf("unexpected stats line %q", line)
	}

	cpu, err := ParsePercent(parts[0])
	if err != nil {
		return nil, err
	}

	memUsed, memLimit := splitPair(parts[1])
	used, err := ParseBytes(memUsed)
	if err != nil {
		return nil, err
	}
	limit, err := ParseBytes(memLimit)
	if err != nil {
		return nil, err
	}

	rxRaw, txRaw := splitPair(parts[2])
	rx, err := ParseBytes(rxRaw)
	if err != nil {
		return nil, err
	}
	tx, err := ParseBytes(txRaw)
	if err != nil {
		return nil, err
	}

	readRaw, writeRaw := splitPair(parts[3])
	read, err := ParseBytes(readRaw)
	if err != nil {
		return nil, err
	}
	write, err := ParseBytes(writeRaw)
	if err != nil {
		return nil, err
	}

	return &types.StatsSample{
		CPUPercent:    cpu,
		MemUsedBytes:  used,
		MemLimitBytes: limit,
		NetRxBytes:    rx,
		NetTxBytes:    tx,
		BlkReadBytes:  read,
		BlkWriteBytes: write,
	}, nil
}

// ResolveID scans running and stopped containers for the first whose name
// contains the sanitized cluster name. Compose templates prefix and suffix
// container names, so containment is the match rule.
func (d *Driver) ResolveID(ctx context.Context, name string) (string, error) {
	key := SanitizeName(name)

	d.cacheMu.RLock()
	id, ok := d.cache[key]
	d.cacheMu.RUnlock()
	if ok {
		return id, nil
	}

	out, err := d.run(ctx, "ps", "-a", "--format", "{{.ID}} {{.Names}}")
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.Contains(fields[1], key) {
			d.cachePut(key, fields[0])
			return fields[0], nil
		}
	}

	return "", &Error{Kind: FailureNotFound, Output: "no container matching " + key}
}

// PruneNetworks reclaims unused networks to avoid address-pool exhaustion.
func (d *Driver) PruneNetworks(ctx context.Context) error {
	_, err := d.run(ctx, "network", "prune", "-f")
	return err
}

// Logs returns up to tail lines of the container's log.
func (d *Driver) Logs(ctx context.Context, idOrName string, tail int) (string, error) {
	out, err := d.run(ctx, "logs", "--tail", strconv.Itoa(tail), idOrName)
	if err != nil {
		return "", err
	}
	return out, nil
}

// InvalidateCache drops the cached id for a cluster name.
func (d *Driver) InvalidateCache(name string) {
	key := SanitizeName(name)
	d.cacheMu.Lock()
	delete(d.cache, key)
	d.cacheMu.Unlock()
}

func (d *Driver) cachePut(name, id string) {
	d.cacheMu.Lock()
	d.cache[name] = id
	d.cacheMu.Unlock()
}

// invalidateByID removes cache entries whose value or key matches ref.
func (d *Driver) invalidateByID(ref string) {
	d.cacheMu.Lock()
	for name, id := range d.cache {
		if id == ref || name == ref || strings.Contains(ref, name) {
			delete(d.cache, name)
		}
	}
	d.cacheMu.Unlock()
}

// SanitizeName lowers a cluster name into the [a-z0-9_] alphabet used for
// container names.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func lastArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}
