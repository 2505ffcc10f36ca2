package remote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The remote server is a self-contained process driven entirely through
// shell commands over the transport plus its HTTP API once running.
const (
	serverPackage  = "kernelctl-server"
	serverVersion  = "0.4.2"
	serverStateDir = "$HOME/.kernelctl"
)

// serverInfo is the discovery record the remote server writes on startup.
type serverInfo struct {
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

func versionProbeCommand() (string, []string) {
	return serverPackage, []string{"--version"}
}

func installCommand() (string, []string) {
	return "python3", []string{
		"-m", "pip", "install", "--user", "--upgrade",
		fmt.Sprintf("%s==%s", serverPackage, serverVersion),
	}
}

func startServerCommand() (string, []string) {
	script := fmt.Sprintf(
		`mkdir -p "%s" && nohup %s serve --state-dir "%s" >/dev/null 2>&1 &`,
		serverStateDir, serverPackage, serverStateDir,
	)
	return "sh", []string{"-c", script}
}

func stopServerCommand() (string, []string) {
	script := fmt.Sprintf(`%s stop --state-dir "%s"`, serverPackage, serverStateDir)
	return "sh", []string{"-c", script}
}

func readServerInfoCommand() (string, []string) {
	script := fmt.Sprintf(`cat "%s/server.json"`, serverStateDir)
	return "sh", []string{"-c", script}
}

// installedVersionCurrent reports whether a --version probe output matches
// the version this client drives.
func installedVersionCurrent(out string) bool {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return false
	}
	return strings.TrimPrefix(fields[len(fields)-1], "v") == serverVersion
}

func parseServerInfo(out string) (serverInfo, error) {
	var info serverInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &info); err != nil {
		return serverInfo{}, fmt.Errorf("remote: parse server info: %w", err)
	}
	if info.Port <= 0 || info.Port > 65535 {
		return serverInfo{}, fmt.Errorf("remote: server info port out of range: %d", info.Port)
	}
	return info, nil
}
