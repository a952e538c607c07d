package runner

import (
	"strings"
	"testing"
)

func TestRunArgsIncludesConfiguredIsolationFlags(t *testing.T) {
	o := NewOCI(OCIConfig{
		RuntimeBinary:      "crun",
		CgroupDriver:       "systemd",
		SeccompProfilePath: "/etc/runtara/seccomp.json",
		UserNSMapping:      "0:100000:65536",
		MemoryLimitBytes:   256 << 20,
		CPUQuotaMicros:     50000,
		NetworkMode:        NetworkNone,
	})

	args := o.runArgs("runtara-i1", "/bundles/img1", LaunchSpec{InstanceID: "i1"})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--bundle /bundles/img1",
		"--cgroup-manager systemd",
		"--seccomp-profile /etc/runtara/seccomp.json",
		"--userns-map-user 0:100000:65536",
		"memory.max=268435456",
		"cpu.max=50000 100000",
		"--no-new-privs",
		"runtara-i1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("runArgs() = %q, missing %q", joined, want)
		}
	}
}

func TestRunArgsOmitsUnsetIsolationFlags(t *testing.T) {
	o := NewOCI(OCIConfig{RuntimeBinary: "crun", CgroupDriver: "cgroupfs"})
	args := o.runArgs("runtara-i2", "/bundles/img2", LaunchSpec{InstanceID: "i2"})
	joined := strings.Join(args, " ")

	for _, unwanted := range []string{"--seccomp-profile", "--userns-map-user", "memory.max", "cpu.max"} {
		if strings.Contains(joined, unwanted) {
			t.Errorf("runArgs() = %q, should omit %q when unconfigured", joined, unwanted)
		}
	}
}

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"FOO": "bar"})
	if len(got) != 1 || got[0] != "FOO=bar" {
		t.Fatalf("envSlice = %v, want [FOO=bar]", got)
	}
}
