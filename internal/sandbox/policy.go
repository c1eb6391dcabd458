package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

// ContainerPrefix prefixes every sandbox container name.
const ContainerPrefix = "omar-sandbox-"

// workspaceDir is where the agent's workdir appears inside the container.
const workspaceDir = "/workspace"

// LaunchSpec describes the agent process to start. All paths are host paths
// and must already be resolved to absolute form.
type LaunchSpec struct {
	Name          string
	Command       string
	Workdir       string
	BinaryPath    string
	CredentialDir string
	Home          string
	StateDir      string
	// EnvKeys are session environment variables passed through by name.
	EnvKeys []string
}

// Mount is one bind mount of an isolated invocation.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) String() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return m.Source + ":" + m.Target + ":" + mode
}

// Invocation is the decided way to launch an agent.
type Invocation struct {
	Sandboxed bool
	Container string
	Network   string
	Mounts    []Mount
	// Argv is the container runtime argv; nil for a direct launch.
	Argv []string

	direct string
}

// Command renders the invocation as a single shell command line.
func (inv Invocation) Command() string {
	if !inv.Sandboxed {
		return inv.direct
	}
	quoted := make([]string, len(inv.Argv))
	for i, a := range inv.Argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Decide returns the launch invocation for an agent of the given role. It is
// pure: the same inputs always produce the same invocation.
//
// Managers are never sandboxed, since they need the orchestrator's control
// surface and the host toolchain. Every other role is isolated when the
// sandbox is enabled.
func Decide(role agent.Role, cfg Config, spec LaunchSpec) (Invocation, error) {
	if role == agent.RoleManager || !cfg.Enabled {
		return Invocation{direct: spec.Command}, nil
	}
	if err := ValidateConfig(cfg); err != nil {
		return Invocation{}, err
	}
	if spec.BinaryPath == "" {
		return Invocation{}, fmt.Errorf("%w: %q", ErrBinaryUnresolved, spec.Command)
	}

	mounts := []Mount{
		{Source: spec.Workdir, Target: workspaceDir},
		{Source: spec.BinaryPath, Target: spec.BinaryPath, ReadOnly: true},
		{Source: spec.CredentialDir, Target: spec.CredentialDir, ReadOnly: true},
	}
	protected := protectedPaths(cfg, spec)
	for _, m := range mounts {
		if err := checkMount(m.Source, protected); err != nil {
			return Invocation{}, err
		}
	}

	b := newDockerBuilder()
	b.base(ContainerPrefix+spec.Name, cfg.Network)
	b.security(cfg.User)
	b.filesystem(cfg.Scratch, cfg.ScratchSize)
	b.limits(cfg.Limits)
	for _, m := range mounts {
		b.mount(m)
	}
	b.env(spec.Home, spec.EnvKeys)
	b.entrypoint(cfg.Image, spec.Command)

	return Invocation{
		Sandboxed: true,
		Container: ContainerPrefix + spec.Name,
		Network:   cfg.Network,
		Mounts:    mounts,
		Argv:      b.args,
	}, nil
}

// dockerBuilder accumulates docker run arguments in a fixed order.
type dockerBuilder struct {
	args []string
}

func newDockerBuilder() *dockerBuilder {
	return &dockerBuilder{args: []string{"docker", "run", "--rm"}}
}

func (b *dockerBuilder) base(name, network string) {
	b.args = append(b.args, "--name", name, "--network", network)
}

func (b *dockerBuilder) security(user string) {
	b.args = append(b.args,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	)
	if user != "" {
		b.args = append(b.args, "--user", user)
	}
}

func (b *dockerBuilder) filesystem(scratch, size string) {
	opts := scratch + ":rw,noexec,nosuid"
	if size != "" {
		opts += ",size=" + size
	}
	b.args = append(b.args, "--read-only", "--tmpfs", opts)
}

func (b *dockerBuilder) limits(l Limits) {
	b.args = append(b.args,
		"--memory", l.Memory,
		"--cpus", strconv.FormatFloat(l.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.Itoa(l.PidsLimit),
	)
}

func (b *dockerBuilder) mount(m Mount) {
	b.args = append(b.args, "-v", m.String())
}

func (b *dockerBuilder) env(home string, keys []string) {
	b.args = append(b.args, "-w", workspaceDir)
	if home != "" {
		b.args = append(b.args, "-e", "HOME="+home)
	}
	// Values are read from the session environment so they stay out of argv.
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		b.args = append(b.args, "-e", k)
	}
}

func (b *dockerBuilder) entrypoint(image, command string) {
	b.args = append(b.args, "-it", image, "sh", "-c", command)
}

// systemPaths are protected on every host. /root is left to the home rules
// below when it is the agent's own home.
var systemPaths = []string{"/etc", "/root", "/var/run/docker.sock", "/run/docker.sock"}

// protectedPaths lists the host paths no mount may equal, contain, or sit
// inside.
func protectedPaths(cfg Config, spec LaunchSpec) []string {
	var paths []string
	for _, p := range systemPaths {
		if p == "/root" && spec.Home != "" && filepath.Clean(spec.Home) == p {
			continue
		}
		paths = append(paths, p)
	}
	if spec.StateDir != "" {
		paths = append(paths, spec.StateDir)
	}
	if spec.Home != "" {
		for _, rel := range []string{".ssh", ".aws", ".gnupg", ".kube", ".config/gcloud", ".docker"} {
			paths = append(paths, filepath.Join(spec.Home, rel))
		}
	}
	paths = append(paths, cfg.ProtectedPaths...)
	return paths
}

func checkMount(source string, protected []string) error {
	if source == "" || !filepath.IsAbs(source) {
		return fmt.Errorf("%w: %q must be an absolute path", ErrInvalidMount, source)
	}
	src := filepath.Clean(source)
	for _, p := range protected {
		p = filepath.Clean(p)
		if src == p || within(src, p) || within(p, src) {
			return fmt.Errorf("%w: %s overlaps %s", ErrForbiddenMount, src, p)
		}
	}
	return nil
}

// within reports whether path lies strictly inside dir.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}

// Quote makes s safe to embed in a POSIX shell command line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool { return !safeRune(r) }) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func safeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_/.:=,@%+", r)
}
