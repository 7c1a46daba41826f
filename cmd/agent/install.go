package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
	"time"

	"paylock/internal/directive"
)

const (
	agentName   = "paylock-agent"
	binaryPath  = "/usr/local/sbin/" + agentName
	servicePath = "/etc/systemd/system/" + agentName + ".service"
	// Largest agent build accepted by UPDATE_APP.
	maxUpdateSize = 256 << 20
)

const serviceTemplate = `[Unit]
Description=Paylock Device Compliance Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.AgentPath}} --config {{.ConfigPath}}
Restart=always
RestartSec=30

[Install]
WantedBy=multi-user.target
`

// installExecutable copies the executable to the target path, handling busy files.
func installExecutable(exePath, targetPath string) error {
	data, err := os.ReadFile(exePath)
	if err != nil {
		return fmt.Errorf("failed to read executable: %w", err)
	}
	// Write beside the target and rename so a running copy is never
	// truncated ("text file busy").
	tempPath := targetPath + ".new"
	if err := os.WriteFile(tempPath, data, 0o755); err != nil { //nolint:gosec // executable needs execute permission
		return fmt.Errorf("failed to copy executable to temp file: %w", err)
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		_ = os.Remove(tempPath) //nolint:errcheck // best effort
		return fmt.Errorf("failed to replace executable: %w", err)
	}
	return nil
}

// installAgent installs the agent as a systemd system service.
func installAgent(configPath string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("install is only supported on linux, not %s", runtime.GOOS)
	}
	if os.Geteuid() != 0 {
		return errors.New("install must run as root")
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(absConfig); err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if exePath != binaryPath {
		if err := installExecutable(exePath, binaryPath); err != nil {
			return err
		}
		log.Printf("[INFO] Installed agent to %s", binaryPath)
	}

	tmpl, err := template.New("service").Parse(serviceTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse service template: %w", err)
	}
	file, err := os.Create(servicePath)
	if err != nil {
		return fmt.Errorf("failed to create service file: %w", err)
	}
	defer func() { _ = file.Close() }() //nolint:errcheck // defer close

	data := struct {
		AgentPath  string
		ConfigPath string
	}{
		AgentPath:  binaryPath,
		ConfigPath: absConfig,
	}
	if err := tmpl.Execute(file, data); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", agentName + ".service"},
		{"restart", agentName + ".service"},
	} {
		if err := exec.Command("systemctl", args...).Run(); err != nil { //nolint:noctx // local command
			return fmt.Errorf("systemctl %s failed: %w", args[0], err)
		}
	}
	log.Print("[INFO] Systemd service started successfully")
	return nil
}

// uninstallAgent removes the systemd service and the installed binary.
func uninstallAgent() error {
	_ = exec.Command("systemctl", "stop", agentName+".service").Run()    //nolint:errcheck,noctx // best effort
	_ = exec.Command("systemctl", "disable", agentName+".service").Run() //nolint:errcheck,noctx // best effort

	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove service file: %w", err)
	}
	_ = exec.Command("systemctl", "daemon-reload").Run() //nolint:errcheck,noctx // best effort

	if err := os.Remove(binaryPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove executable: %w", err)
	}
	log.Print("[INFO] Agent uninstalled")
	return nil
}

// selfUpdate downloads a new agent build, checks its digest when one is
// given, installs it over the running binary and restarts the service.
func selfUpdate(ctx context.Context, a directive.UpdateApp) (string, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download update: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[WARN] Error closing response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("update download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", agentName+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }() //nolint:errcheck // best effort

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(resp.Body, maxUpdateSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to save update: %w", err)
	}
	if n > maxUpdateSize {
		return "", fmt.Errorf("update exceeds %d bytes", maxUpdateSize)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); a.SHA256 != "" && !strings.EqualFold(sum, a.SHA256) {
		return "", fmt.Errorf("update digest mismatch: got %s, want %s", sum, a.SHA256)
	}

	target, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := installExecutable(tmp.Name(), target); err != nil {
		return "", err
	}
	log.Printf("[INFO] Installed agent %s (%d bytes) in %v", a.Version, n, time.Since(start))

	if _, err := os.Stat(servicePath); err == nil {
		// The restart kills this process; systemd brings the new build up.
		go func() {
			time.Sleep(2 * time.Second)
			_ = exec.Command("systemctl", "restart", agentName+".service").Run() //nolint:errcheck,noctx // best effort
		}()
	}
	return "updated to " + a.Version, nil
}
