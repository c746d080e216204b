//go:build !windows

// Package util holds platform helpers for the command line.
package util

// IsRunFromGUI is always false outside Windows; services there are started
// through systemd or a shell.
func IsRunFromGUI() bool { return false }

// HideConsoleWindow does nothing outside Windows.
func HideConsoleWindow() {}
