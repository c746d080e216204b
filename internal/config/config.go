// Package config declares the command-line tree shared by flags, environment
// variables and config files.
package config

import "github.com/Alia5/usbreplay/internal/cmd"

// Log configures the process logger.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBREPLAY_LOG_LEVEL"`
	Format  string `help:"Log format; auto picks text on a terminal and json otherwise" enum:"auto,text,json" default:"auto" env:"USBREPLAY_LOG_FORMAT"`
	File    string `help:"Log file path; console output then goes to stderr only" env:"USBREPLAY_LOG_FILE"`
	RawFile string `help:"Hex-dump raw USB-IP traffic to this file" env:"USBREPLAY_LOG_RAW_FILE"`
}

type CLI struct {
	ConfigFile string `name:"config" help:"Configuration file (json, yaml or toml)" env:"USBREPLAY_CONFIG"`
	Log        Log    `embed:"" prefix:"log."`

	Serve     cmd.Serve           `cmd:"" help:"Emulate a device from USB captures over USB-IP"`
	Proxy     cmd.Proxy           `cmd:"" help:"Relay USB-IP to an upstream server and record the traffic"`
	Captures  cmd.CapturesCommand `cmd:"" help:"Inspect capture files"`
	Config    cmd.ConfigCommand   `cmd:"" help:"Configuration file helpers"`
	Install   cmd.Install         `cmd:"" help:"Install usbreplay serve as a systemd service"`
	Uninstall cmd.Uninstall       `cmd:"" help:"Remove the systemd service"`
}
