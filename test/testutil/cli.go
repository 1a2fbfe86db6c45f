// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testutil

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

var (
	binaryOnce sync.Once
	binaryPath string
	buildErr   error
)

// BuildBinary builds the couchdump binary once per test run
func BuildBinary(t *testing.T) string {
	t.Helper()

	binaryOnce.Do(func() {
		// Create a persistent temp directory, not tied to test cleanup
		tmpDir, err := os.MkdirTemp("", "couchdump-test")
		if err != nil {
			buildErr = err
			return
		}
		binaryPath = filepath.Join(tmpDir, "couchdump")

		projectRoot, err := findProjectRoot()
		if err != nil {
			buildErr = err
			return
		}

		cmd := exec.Command("go", "build", "-o", binaryPath, filepath.Join(projectRoot, "cmd", "couchdump"))
		if output, err := cmd.CombinedOutput(); err != nil {
			buildErr = err
			t.Logf("Build output: %s", output)
		}
	})

	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v", buildErr)
	}

	return binaryPath
}

// SkipUnlessIntegration skips tests that build and run the binary unless
// INTEGRATION_TEST=true.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run.")
	}
}

// CLIResult contains the result of running a CLI command
type CLIResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// CLIEnv returns an isolated environment for the binary: HOME and the
// state directory point at stateDir and retries are disabled. Entries in
// extra are appended last and win.
func CLIEnv(stateDir string, extra map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + stateDir,
		"COUCHDUMP_STATE_DIR=" + filepath.Join(stateDir, "state"),
		"COUCHDUMP_MAX_RETRIES=0",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// RunCLI executes the couchdump binary with the given arguments
func RunCLI(t *testing.T, args []string, env []string) CLIResult {
	t.Helper()

	cmd := exec.Command(BuildBinary(t), args...)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	return finish(cmd.Run(), &stdout, &stderr)
}

// RunningCLI is a couchdump process started in the background.
type RunningCLI struct {
	Cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// StartCLI starts the couchdump binary without waiting for it.
func StartCLI(t *testing.T, args []string, env []string) *RunningCLI {
	t.Helper()

	r := &RunningCLI{Cmd: exec.Command(BuildBinary(t), args...)}
	r.Cmd.Env = env
	r.Cmd.Stdout = &r.stdout
	r.Cmd.Stderr = &r.stderr
	if err := r.Cmd.Start(); err != nil {
		t.Fatalf("Failed to start binary: %v", err)
	}
	t.Cleanup(func() {
		if r.Cmd.ProcessState == nil {
			_ = r.Cmd.Process.Kill()
			_ = r.Cmd.Wait()
		}
	})
	return r
}

// Wait waits for the process to exit and returns its result.
func (r *RunningCLI) Wait() CLIResult {
	return finish(r.Cmd.Wait(), &r.stdout, &r.stderr)
}

func finish(err error, stdout, stderr *bytes.Buffer) CLIResult {
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	return CLIResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      err,
	}
}

// AssertCLISuccess checks that the CLI command succeeded
func AssertCLISuccess(t *testing.T, result CLIResult) {
	t.Helper()

	if result.Err != nil {
		t.Fatalf("Command failed: %v\nStderr: %s", result.Err, result.Stderr)
	}
}

// AssertCLIError checks that the CLI command failed with expected error
func AssertCLIError(t *testing.T, result CLIResult, expectedError string) {
	t.Helper()

	if result.Err == nil {
		t.Fatal("Expected command to fail, but it succeeded")
	}

	if expectedError != "" && !bytes.Contains([]byte(result.Stderr), []byte(expectedError)) {
		t.Errorf("Expected error containing %q, got: %s", expectedError, result.Stderr)
	}
}

// AssertExitCode checks the command exit code
func AssertExitCode(t *testing.T, result CLIResult, expected int) {
	t.Helper()

	if result.ExitCode != expected {
		t.Errorf("Expected exit code %d, got %d\nStderr: %s", expected, result.ExitCode, result.Stderr)
	}
}

// findProjectRoot finds the project root by looking for go.mod
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
