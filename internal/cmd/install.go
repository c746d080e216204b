package cmd

import "log/slog"

// Install registers `usbreplay serve` as a system service.
type Install struct {
	Captures string `help:"Capture file or directory the service replays" type:"path" default:"captures"`
}

func (i *Install) Run(logger *slog.Logger) error {
	return install(logger, i.Captures)
}

// Uninstall removes the service created by Install.
type Uninstall struct{}

func (u *Uninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}
