package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/shellgate/internal/config"
	"github.com/mattjoyce/shellgate/internal/lock"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-outCh
	stderrBytes := <-errCh

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

const fixtureCommands = `
commands:
  - name: cat
    timeout: 5
    exec:
      - cat
      - {option: numbers, flag: -n}
      - {input_file: true}
  - name: date
    timeout: 0.5
    exec:
      - date
      - {option: -d, flag: -d, arity: 1}
      - {input_file: true}
`

// writeConfigFixture writes a config.yaml whose state and file directories
// live under dir, and returns its path.
func writeConfigFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := "service:\n  log_level: error\n" + fixtureCommands
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-02-01T03:04:05Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI(--version) code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "shellgate 1.2.3") {
		t.Fatalf("expected version line, got %q", stdout)
	}
	if !strings.Contains(stdout, "commit: 0123456789ab") {
		t.Fatalf("expected shortened commit, got %q", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-02-01T03:04:05Z") {
		t.Fatalf("expected build time, got %q", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "not-a-time")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion code = %d", code)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc" {
		t.Fatalf("unexpected version info: %+v", info)
	}
	if info.BuildTime == "not-a-time" {
		t.Fatalf("unparseable build time should not be echoed: %+v", info)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("code = %d stderr = %q", code, stderr)
	}
}

func TestNounActionHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"system", "start", "--help"}, "Usage: shellgate system start"},
		{[]string{"system", "status", "-h"}, "Usage: shellgate system status"},
		{[]string{"system", "watch", "--help"}, "Usage: shellgate system watch"},
		{[]string{"config", "check", "--help"}, "Usage: shellgate config check"},
		{[]string{"config", "lock", "--help"}, "Usage: shellgate config lock"},
		{[]string{"config", "show", "--help"}, "Usage: shellgate config show"},
		{[]string{"job", "submit", "--help"}, "Usage: shellgate job submit"},
		{[]string{"job", "status", "--help"}, "Usage: shellgate job status"},
		{[]string{"job", "list", "--help"}, "Usage: shellgate job list"},
		{[]string{"command", "list", "--help"}, "Usage: shellgate command list"},
		{[]string{"command", "bind", "--help"}, "Usage: shellgate command bind"},
		{[]string{"job", "inspect", "--help"}, "Usage: shellgate job inspect"},
		{[]string{"job", "help"}, "Actions: submit, status, list, inspect"},
		{[]string{"command", "help"}, "Actions: list, bind"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runCLI(tt.args)
			})
			if code != 0 {
				t.Fatalf("code = %d, stderr: %s", code, stderr)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("stdout = %q, want containing %q", stdout, tt.want)
			}
		})
	}
}

func TestHasHelpFlagStopsAtFirstPositional(t *testing.T) {
	if hasHelpFlag([]string{"ls", "-h"}) {
		t.Fatal("-h after the command name must be an option token")
	}
	if !hasHelpFlag([]string{"-h"}) {
		t.Fatal("leading -h must be help")
	}
}

func TestRunConfigCheck(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck code = %d, stdout=%s stderr=%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunConfigCheckStrictWarnings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
service:
  log_level: error
commands:
  - name: echo
    exec: [echo, hello]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--json", "--strict"})
	})
	if code != 2 {
		t.Fatalf("expected exit 2 for warnings under --strict, got %d; stdout=%s", code, stdout)
	}

	var result struct {
		Valid    bool `json:"valid"`
		Warnings []struct {
			Category string `json:"category"`
		} `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if !result.Valid || len(result.Warnings) == 0 {
		t.Fatalf("expected valid with warnings, got %+v", result)
	}
}

func TestRunConfigCheckLoadFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("commands: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 1 || !strings.Contains(stderr, "Config load error") {
		t.Fatalf("code = %d stderr = %q", code, stderr)
	}
}

func TestRunConfigHashUpdateVerboseDryRunShortFlag(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHashUpdate([]string{"--config", configPath, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "HASH "+configPath) {
		t.Fatalf("expected per-file hash line, got %q", stdout)
	}
	if !strings.Contains(stdout, "DRY-RUN .checksums") || !strings.Contains(stdout, "Dry run completed for 1") {
		t.Fatalf("expected dry-run summary, got %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write .checksums, stat err = %v", err)
	}
}

func TestRunConfigHashUpdateWritesChecksumsAndLoadVerifies(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHashUpdate([]string{"--config", configPath, "--verbose"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "WROTE .checksums") || !strings.Contains(stdout, "Successfully locked configuration in 1") {
		t.Fatalf("unexpected output: %q", stdout)
	}
	if _, err := config.Load(configPath); err != nil {
		t.Fatalf("locked config should load: %v", err)
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("\n# tampered\n")
	_ = f.Close()

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("tampered config should be refused; code=%d stderr=%s", code, stderr)
	}
}

func TestRunConfigShow(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"name: cat", "job_interval: 1s", filepath.Join(dir, "data", "state.db")} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("config show missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("json code = %d", code)
	}
	var out struct {
		Scheduler map[string]string `json:"scheduler"`
		Commands  []commandView     `json:"commands"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if out.Scheduler["job_interval"] != "1s" || len(out.Commands) != 2 {
		t.Fatalf("unexpected show output: %+v", out)
	}
	if out.Commands[1].Timeout != "500ms" {
		t.Fatalf("date timeout = %q", out.Commands[1].Timeout)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy=true, got false; output=%s", stdout)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(report.Checks))
	}
	if report.Checks[1].Name != "state_db" || !strings.Contains(report.Checks[1].Detail, "NEW=0") {
		t.Fatalf("state_db check = %+v", report.Checks[1])
	}
}

func TestRunSystemStatusConfigLoadFailure(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail for invalid config; stdout=%s", stdout)
	}
	if !strings.Contains(stdout, "config_load: FAIL") {
		t.Fatalf("expected config_load failure in output; stdout=%s", stdout)
	}
	if !strings.Contains(stdout, "state_db: FAIL") || !strings.Contains(stdout, "pid_lock: FAIL") {
		t.Fatalf("expected dependent checks to fail when config load fails; stdout=%s", stdout)
	}
}

func TestRunSystemStatusDetectsActivePIDLock(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		t.Fatalf("loadConfigForTool: %v", err)
	}
	held, err := lock.AcquirePIDLock(getPIDLockPath(cfg))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer held.Release()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail when active pid lock exists; stderr=%s stdout=%s", stderr, stdout)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if report.Healthy {
		t.Fatalf("expected healthy=false when active lock exists; output=%s", stdout)
	}

	found := false
	for _, c := range report.Checks {
		if c.Name == "pid_lock" {
			found = true
			if c.OK {
				t.Fatalf("expected pid_lock check to fail; output=%s", stdout)
			}
			if c.ActivePID != os.Getpid() {
				t.Fatalf("expected active_pid=%d, got %d", os.Getpid(), c.ActivePID)
			}
		}
	}
	if !found {
		t.Fatalf("expected pid_lock check in output; output=%s", stdout)
	}
}

func TestRunStartRefusesWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		t.Fatalf("loadConfigForTool: %v", err)
	}
	held, err := lock.AcquirePIDLock(getPIDLockPath(cfg))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer held.Release()

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runStart([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("runStart should refuse a held lock, code = %d", code)
	}
}

func TestGetPIDLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.State.Path = "/var/lib/shellgate/state.db"
	if got := getPIDLockPath(cfg); got != "/var/lib/shellgate/state.pid" {
		t.Fatalf("getPIDLockPath = %q", got)
	}
}

func TestJobSubmitStatusAndList(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"job", "submit", "--config", configPath, "--text", "hello\n", "cat", "numbers"})
	})
	if code != 0 {
		t.Fatalf("submit code = %d, stderr: %s", code, stderr)
	}
	jobID := strings.TrimSpace(stdout)
	if jobID == "" {
		t.Fatal("submit printed no job id")
	}

	input, err := os.ReadFile(filepath.Join(dir, "data", "uploads", jobID))
	if err != nil {
		t.Fatalf("input file not staged: %v", err)
	}
	if string(input) != "hello\n" {
		t.Fatalf("input = %q", input)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"job", "status", jobID, "--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("status code = %d, stderr: %s", code, stderr)
	}
	var view jobView
	if err := json.Unmarshal([]byte(stdout), &view); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if view.ID != jobID || view.Status != "NEW" {
		t.Fatalf("unexpected job: %+v", view)
	}
	if string(view.Request) != `{"command":{"name":"cat","options":["numbers"]}}` {
		t.Fatalf("request = %s", view.Request)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"job", "list", "--config", configPath, "--status", "new"})
	})
	if code != 0 || !strings.Contains(stdout, jobID) || !strings.Contains(stdout, "cat") {
		t.Fatalf("list code = %d stdout = %q", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"job", "list", "--config", configPath, "--status", "SUCCESS"})
	})
	if code != 0 || !strings.Contains(stdout, "No jobs.") {
		t.Fatalf("filtered list code = %d stdout = %q", code, stdout)
	}
}

func TestJobInspect(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJobSubmit([]string{"--config", configPath, "--text", "x", "date", "-d", "yesterday"})
	})
	if code != 0 {
		t.Fatalf("submit code = %d, stderr: %s", code, stderr)
	}
	jobID := strings.TrimSpace(stdout)

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"job", "inspect", jobID, "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("inspect code = %d, stderr: %s", code, stderr)
	}
	wantArgv := "Argv        : date -d yesterday " + filepath.Join(dir, "data", "uploads", jobID)
	if !strings.Contains(stdout, wantArgv) {
		t.Fatalf("inspect output missing %q:\n%s", wantArgv, stdout)
	}
	if !strings.Contains(stdout, "(1 bytes)") || !strings.Contains(stdout, "(missing)") {
		t.Fatalf("inspect output missing artifacts:\n%s", stdout)
	}
}

func TestJobSubmitUnknownCommandWarnsButQueues(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJobSubmit([]string{"--config", configPath, "invalid-command"})
	})
	if code != 0 || strings.TrimSpace(stdout) == "" {
		t.Fatalf("code = %d stdout = %q", code, stdout)
	}
	if !strings.Contains(stderr, "not whitelisted") {
		t.Fatalf("expected warning, stderr = %q", stderr)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runJobStatus([]string{"--config", configPath, "00000000-0000-0000-0000-000000000000"})
	})
	if code != 1 || !strings.Contains(stderr, "Job not found") {
		t.Fatalf("code = %d stderr = %q", code, stderr)
	}
}

func TestCommandListAndBind(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"command", "list", "--config", configPath})
	})
	if code != 0 || !strings.Contains(stdout, "NAME") || !strings.Contains(stdout, "500ms") {
		t.Fatalf("list code = %d stdout = %q", code, stdout)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"command", "bind", "--config", configPath, "date", "-d", "next week"})
	})
	if code != 0 {
		t.Fatalf("bind code = %d stderr = %q", code, stderr)
	}
	want := "date -d 'next week' " + filepath.Join(dir, "data", "uploads", "<job-id>")
	if strings.TrimSpace(stdout) != want {
		t.Fatalf("bind = %q, want %q", strings.TrimSpace(stdout), want)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"command", "bind", "--config", configPath, "cat", "--extra"})
	})
	if code != 1 || !strings.Contains(stderr, "unhandled options") {
		t.Fatalf("leftover token: code = %d stderr = %q", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"command", "bind", "--config", configPath, "rm"})
	})
	if code != 1 || !strings.Contains(stderr, "unknown command") {
		t.Fatalf("unknown: code = %d stderr = %q", code, stderr)
	}
}
