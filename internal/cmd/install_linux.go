//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	serviceName = "usbreplay.service"
	servicePath = "/etc/systemd/system/usbreplay.service"
)

func install(logger *slog.Logger, captures string) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if exePath, err = filepath.EvalSymlinks(exePath); err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if captures, err = filepath.Abs(captures); err != nil {
		return err
	}
	if _, err := os.Stat(captures); err != nil {
		return fmt.Errorf("captures: %w", err)
	}

	if err := os.WriteFile(servicePath, []byte(systemdUnit(exePath, captures)), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	} {
		if err := systemctl(args...); err != nil {
			return err
		}
	}

	logger.Info("usbreplay systemd service installed", "path", servicePath, "exe", exePath, "captures", captures)
	return nil
}

func uninstall(logger *slog.Logger) error {
	var errs []error
	for _, args := range [][]string{{"stop", serviceName}, {"disable", serviceName}} {
		if err := systemctl(args...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := systemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("usbreplay systemd service removed", "path", servicePath)
	return nil
}

func systemdUnit(exePath, captures string) string {
	return fmt.Sprintf(`[Unit]
Description=usbreplay USB-IP device emulator
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%q serve %q
WorkingDirectory=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, exePath, captures, filepath.Dir(exePath))
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
