package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

func testSpec() LaunchSpec {
	return LaunchSpec{
		Name:          "worker-1",
		Command:       "claude --dangerously-skip-permissions",
		Workdir:       "/home/dev/project",
		BinaryPath:    "/usr/local/bin/claude",
		CredentialDir: "/home/dev/.claude",
		Home:          "/home/dev",
		StateDir:      "/home/dev/.omar",
		EnvKeys:       []string{"OMAR_AGENT_TOKEN", "OMAR_AGENT_ID"},
	}
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func TestDecide_WorkerSnapshot(t *testing.T) {
	inv, err := Decide(agent.RoleWorker, enabledConfig(), testSpec())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	want := []string{
		"docker", "run", "--rm",
		"--name", "omar-sandbox-worker-1",
		"--network", "bridge",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=512m",
		"--memory", "4g",
		"--cpus", "2",
		"--pids-limit", "256",
		"-v", "/home/dev/project:/workspace:rw",
		"-v", "/usr/local/bin/claude:/usr/local/bin/claude:ro",
		"-v", "/home/dev/.claude:/home/dev/.claude:ro",
		"-w", "/workspace",
		"-e", "HOME=/home/dev",
		"-e", "OMAR_AGENT_ID",
		"-e", "OMAR_AGENT_TOKEN",
		"-it", "ubuntu:22.04",
		"sh", "-c", "claude --dangerously-skip-permissions",
	}
	if !slices.Equal(inv.Argv, want) {
		t.Errorf("argv mismatch\n got: %s\nwant: %s", strings.Join(inv.Argv, " "), strings.Join(want, " "))
	}
	if !inv.Sandboxed || inv.Container != "omar-sandbox-worker-1" {
		t.Errorf("invocation = %+v", inv)
	}
	wantCmd := "docker run --rm --name omar-sandbox-worker-1"
	if !strings.HasPrefix(inv.Command(), wantCmd) {
		t.Errorf("Command() = %q, want prefix %q", inv.Command(), wantCmd)
	}
	if !strings.HasSuffix(inv.Command(), "sh -c 'claude --dangerously-skip-permissions'") {
		t.Errorf("Command() did not quote the agent command: %q", inv.Command())
	}
}

func TestDecide_ManagerSnapshot(t *testing.T) {
	spec := testSpec()
	inv, err := Decide(agent.RoleManager, enabledConfig(), spec)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if inv.Sandboxed || inv.Argv != nil || len(inv.Mounts) != 0 {
		t.Errorf("manager invocation should be direct, got %+v", inv)
	}
	if inv.Command() != spec.Command {
		t.Errorf("Command() = %q, want %q", inv.Command(), spec.Command)
	}
}

func TestDecide_DisabledIsDirect(t *testing.T) {
	for _, role := range []agent.Role{agent.RoleWorker, agent.RoleCommand} {
		inv, err := Decide(role, DefaultConfig(), testSpec())
		if err != nil {
			t.Fatalf("Decide(%s): %v", role, err)
		}
		if inv.Sandboxed {
			t.Errorf("Decide(%s) sandboxed with sandbox disabled", role)
		}
	}
}

func TestDecide_ExactlyThreeMounts(t *testing.T) {
	inv, err := Decide(agent.RoleCommand, enabledConfig(), testSpec())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	volumes := 0
	for _, a := range inv.Argv {
		if a == "-v" || a == "--volume" || a == "--mount" {
			volumes++
		}
	}
	if volumes != 3 || len(inv.Mounts) != 3 {
		t.Errorf("got %d volume flags and %d mounts, want 3", volumes, len(inv.Mounts))
	}
	if inv.Mounts[0].ReadOnly || !inv.Mounts[1].ReadOnly || !inv.Mounts[2].ReadOnly {
		t.Errorf("mount modes = %v", inv.Mounts)
	}
}

func TestDecide_NetworkNone(t *testing.T) {
	cfg := enabledConfig()
	cfg.Network = NetworkNone
	inv, err := Decide(agent.RoleWorker, cfg, testSpec())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	i := slices.Index(inv.Argv, "--network")
	if i < 0 || inv.Argv[i+1] != "none" {
		t.Fatalf("--network flag missing or wrong: %v", inv.Argv)
	}
	for _, a := range inv.Argv {
		if a == "bridge" || a == "host" || strings.HasPrefix(a, "--network=") || a == "--add-host" || a == "-p" {
			t.Errorf("network-enabling argument %q present with network none", a)
		}
	}
}

func TestDecide_InvalidNetwork(t *testing.T) {
	cfg := enabledConfig()
	cfg.Network = "macvlan"
	if _, err := Decide(agent.RoleWorker, cfg, testSpec()); !errors.Is(err, ErrInvalidNetwork) {
		t.Fatalf("Decide = %v, want ErrInvalidNetwork", err)
	}
}

func TestDecide_ForbiddenMounts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LaunchSpec)
	}{
		{"workdir is home", func(s *LaunchSpec) { s.Workdir = "/home/dev" }},
		{"workdir is ssh dir", func(s *LaunchSpec) { s.Workdir = "/home/dev/.ssh" }},
		{"workdir inside aws dir", func(s *LaunchSpec) { s.Workdir = "/home/dev/.aws/profiles" }},
		{"workdir is state dir", func(s *LaunchSpec) { s.Workdir = "/home/dev/.omar" }},
		{"workdir is root", func(s *LaunchSpec) { s.Workdir = "/" }},
		{"credential dir is home", func(s *LaunchSpec) { s.CredentialDir = "/home/dev" }},
		{"binary is docker socket", func(s *LaunchSpec) { s.BinaryPath = "/var/run/docker.sock" }},
		{"workdir is etc", func(s *LaunchSpec) { s.Workdir = "/etc" }},
		{"workdir inside etc", func(s *LaunchSpec) { s.Workdir = "/etc/nginx" }},
		{"workdir is root home", func(s *LaunchSpec) { s.Workdir = "/root" }},
		{"workdir inside root home", func(s *LaunchSpec) { s.Workdir = "/root/project" }},
		{"credential dir inside root home", func(s *LaunchSpec) { s.CredentialDir = "/root/.claude" }},
		{"binary inside etc", func(s *LaunchSpec) { s.BinaryPath = "/etc/alternatives/claude" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec()
			tt.mutate(&spec)
			if _, err := Decide(agent.RoleWorker, enabledConfig(), spec); !errors.Is(err, ErrForbiddenMount) {
				t.Errorf("Decide = %v, want ErrForbiddenMount", err)
			}
		})
	}
}

func TestDecide_RootHome(t *testing.T) {
	spec := testSpec()
	spec.Home = "/root"
	spec.Workdir = "/root/project"
	spec.CredentialDir = "/root/.claude"
	spec.StateDir = "/root/.omar"

	inv, err := Decide(agent.RoleWorker, enabledConfig(), spec)
	if err != nil {
		t.Fatalf("Decide with /root home = %v", err)
	}
	if got := inv.Mounts[2].String(); got != "/root/.claude:/root/.claude:ro" {
		t.Errorf("credential mount = %q", got)
	}

	for _, workdir := range []string{"/root", "/root/.ssh", "/root/.omar", "/etc"} {
		spec.Workdir = workdir
		if _, err := Decide(agent.RoleWorker, enabledConfig(), spec); !errors.Is(err, ErrForbiddenMount) {
			t.Errorf("Decide(workdir %s) = %v, want ErrForbiddenMount", workdir, err)
		}
	}
}

func TestDecide_ExtraProtectedPath(t *testing.T) {
	cfg := enabledConfig()
	cfg.ProtectedPaths = []string{"/srv/secrets"}
	spec := testSpec()
	spec.Workdir = "/srv/secrets/app"
	if _, err := Decide(agent.RoleWorker, cfg, spec); !errors.Is(err, ErrForbiddenMount) {
		t.Fatalf("Decide = %v, want ErrForbiddenMount", err)
	}
}

func TestDecide_RequiresResolvedPaths(t *testing.T) {
	spec := testSpec()
	spec.BinaryPath = ""
	if _, err := Decide(agent.RoleWorker, enabledConfig(), spec); !errors.Is(err, ErrBinaryUnresolved) {
		t.Errorf("Decide without binary = %v", err)
	}

	spec = testSpec()
	spec.Workdir = "relative/dir"
	if _, err := Decide(agent.RoleWorker, enabledConfig(), spec); !errors.Is(err, ErrInvalidMount) {
		t.Errorf("Decide with relative workdir = %v", err)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	a, err := Decide(agent.RoleWorker, enabledConfig(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		b, err := Decide(agent.RoleWorker, enabledConfig(), testSpec())
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(a.Argv, b.Argv) {
			t.Fatal("Decide produced different argv for identical input")
		}
	}
}

func TestDecide_UserAndLimits(t *testing.T) {
	cfg := enabledConfig()
	cfg.User = "1000:1000"
	cfg.Limits = Limits{Memory: "1g", CPUs: 0.5, PidsLimit: 64}
	inv, err := Decide(agent.RoleWorker, cfg, testSpec())
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(inv.Argv, " ")
	for _, want := range []string{"--user 1000:1000", "--memory 1g", "--cpus 0.5", "--pids-limit 64"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %s", want, joined)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.Limits.CPUs = 0
	if err := ValidateConfig(bad); err == nil {
		t.Error("zero cpus accepted")
	}
	bad = DefaultConfig()
	bad.Scratch = "tmp"
	if err := ValidateConfig(bad); err == nil {
		t.Error("relative scratch accepted")
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":               "''",
		"plain":          "plain",
		"HOME=/home/dev": "HOME=/home/dev",
		"two words":      "'two words'",
		"don't":          `'don'\''t'`,
	}
	for in, want := range tests {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveBinary(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "agent-real")
	if err := os.WriteFile(real, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "agent")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	got, err := ResolveBinary("agent --flag")
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	want, _ := filepath.EvalSymlinks(real)
	if got != want {
		t.Errorf("ResolveBinary = %q, want %q", got, want)
	}

	if _, err := ResolveBinary("definitely-not-a-binary-xyz"); !errors.Is(err, ErrBinaryUnresolved) {
		t.Errorf("ResolveBinary(missing) = %v", err)
	}
	if _, err := ResolveBinary("   "); !errors.Is(err, ErrBinaryUnresolved) {
		t.Errorf("ResolveBinary(empty) = %v", err)
	}
}
