//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

// binaryPath returns the path to the built CLI binary, building it
// first when missing.
func binaryPath(t *testing.T) string {
	t.Helper()

	paths := []string{
		"../synthstack-orch",
		"./synthstack-orch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "synthstack-orch"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../synthstack-orch", "../cmd/synthstack-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../synthstack-orch")
	return abs
}

// tempDBPath returns a database path inside a fresh temp directory
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "orchestrator.db")
}

// writeAgentScript drops a fake command agent on disk. It logs one
// line and reports a completed action in the JSON verdict.
func writeAgentScript(t *testing.T) string {
	t.Helper()

	script := `#!/bin/sh
echo "evaluating $ORCH_PROJECT_ID"
echo '{"should_act": true, "phase": "act", "actions_proposed": 1, "actions_executed": 1}'
`
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeConfig writes a config file pointing at dbPath, registering the
// given command agent when agentScript is non-empty.
func writeConfig(t *testing.T, dbPath, agentScript string, port int) string {
	t.Helper()

	config := `[general]
database_path = "` + dbPath + `"

[orchestrator]
agent_timeout_minutes = 1
dispatch_tick_minutes = 1

[web]
port = ` + strconv.Itoa(port) + `
host = "127.0.0.1"
`
	if agentScript != "" {
		config += `
[[agents]]
id = "fake-agent"
purpose = "integration fixture"
program = "` + agentScript + `"
`
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// runCLI executes the binary with the given config and arguments
func runCLI(t *testing.T, binary, configPath string, args ...string) (string, error) {
	t.Helper()

	full := append([]string{"--config", configPath}, args...)
	cmd := exec.Command(binary, full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
