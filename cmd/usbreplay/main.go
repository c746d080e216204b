package main

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/Alia5/usbreplay/internal/config"
	"github.com/Alia5/usbreplay/internal/configpaths"
	"github.com/Alia5/usbreplay/internal/log"
)

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("usbreplay"),
		kong.Description("Emulate USB devices over USB-IP by replaying captured traffic"),
		kong.UsageOnError(),
		// Flags and environment override config file values.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, logFiles, err := log.SetupLogger(cli.Log.Level, cli.Log.File, cli.Log.Format)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	closeFiles := closers(logFiles)
	defer closeFiles.Close()

	rawLogger := log.NewRaw(nil)
	switch {
	case cli.Log.RawFile != "":
		f, err := os.OpenFile(cli.Log.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
			break
		}
		rawLogger = log.NewRaw(f)
		closeFiles = append(closeFiles, f)
	case cli.Log.Level == "trace":
		rawLogger = log.NewRaw(os.Stdout)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))

	err = ctx.Run()
	// FatalIfErrorf exits without running deferred calls.
	closeFiles.Close()
	ctx.FatalIfErrorf(err)
}

// closers closes every file once, however often Close is called.
type closers []io.Closer

func (c *closers) Close() {
	for _, f := range *c {
		_ = f.Close()
	}
	*c = nil
}

// findUserConfig looks for --config before kong parses, so the file can
// feed the parse itself.
func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("USBREPLAY_CONFIG")
}
