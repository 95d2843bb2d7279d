// Package cli checks that the Claude Code CLI is available before the bot
// accepts traffic.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// installHint points users at the CLI installation docs on a failed check.
const installHint = "https://claude.ai/code"

// BinaryInfo describes a resolved CLI binary.
type BinaryInfo struct {
	Path    string
	Version string
}

// CheckClaudeBinary verifies that the configured claude binary is runnable
// and reports its version. The bot fails fast on a missing binary rather
// than discovering it on the first message.
func CheckClaudeBinary(binary string) (BinaryInfo, error) {
	if strings.TrimSpace(binary) == "" {
		binary = "claude"
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return BinaryInfo{}, fmt.Errorf("%s not found in PATH (install: %s)", binary, installHint)
	}

	info := BinaryInfo{Path: path, Version: version(path)}
	return info, nil
}

// version asks the binary for its version, returning the first output line.
func version(path string) string {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return ""
	}
	lines := strings.SplitN(string(out), "\n", 2)
	v := strings.TrimSpace(lines[0])
	if len(v) > 100 {
		v = v[:100] + "..."
	}
	return v
}
