//go:build windows

package main

import (
	"log/slog"
	"os"

	"github.com/Alia5/usbreplay/internal/util"
)

// A double-clicked binary serves the captures directory next to it.
func init() {
	if !util.IsRunFromGUI() || (len(os.Args) > 1 && os.Args[1] == "serve") {
		return
	}
	slog.Info("Detected GUI startup, injecting 'serve' argument")
	slog.Warn("Run from a CLI for more options!")
	os.Args = append([]string{os.Args[0], "serve"}, os.Args[1:]...)
}
