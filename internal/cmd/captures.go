package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/usb"
)

// CapturesCommand groups capture inspection subcommands.
type CapturesCommand struct {
	Dump CapturesDump `cmd:"" help:"Print the descriptors recovered from captures"`
}

// CapturesDump prints what serve would recover from the same captures.
type CapturesDump struct {
	Captures []string `arg:"" name:"capture" help:"Capture files (pcap, pcapng) or directories holding them" type:"path"`
	Format   string   `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output   string   `help:"Destination file path (defaults to stdout)"`
}

func (c *CapturesDump) Run(logger *slog.Logger) error {
	corpus, err := loadCorpus(logger, c.Captures...)
	if err != nil {
		return err
	}
	data, err := marshal(normalizeFormat(c.Format), Summarize(analysis.Recover(corpus.Pairs()), corpus.Len()))
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

// loadCorpus ingests every capture file below paths, each under its own
// salt. Files that cannot be read are skipped; it fails only when none were.
func loadCorpus(logger *slog.Logger, paths ...string) (*capture.Corpus, error) {
	files, err := capture.ExpandPaths(paths...)
	if err != nil {
		return nil, err
	}
	corpus := capture.NewCorpus()
	var errs []error
	for _, f := range files {
		st, err := corpus.IngestFile(f)
		if err != nil {
			logger.Warn("Skipping capture", "file", f, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("Ingested capture", "file", f, "frames", st.Frames, "paired", st.Paired, "dropped", st.Dropped)
	}
	if len(errs) == len(files) {
		return nil, fmt.Errorf("no readable capture: %w", errors.Join(errs...))
	}
	return corpus, nil
}

// Summarize renders recovered descriptors as nested maps suitable for
// json, yaml and toml.
func Summarize(d analysis.Descriptors, pairs int) map[string]any {
	out := map[string]any{"pairs": pairs}

	if d.Device != nil {
		dev := usb.ParseDeviceDescriptor(d.Device.Data)
		m := recordMap(*d.Device)
		m["idVendor"] = fmt.Sprintf("%04x", dev.IDVendor)
		m["idProduct"] = fmt.Sprintf("%04x", dev.IDProduct)
		m["bcdUSB"] = fmt.Sprintf("%04x", dev.BcdUSB)
		m["bcdDevice"] = fmt.Sprintf("%04x", dev.BcdDevice)
		m["class"] = int(dev.BDeviceClass)
		m["numConfigurations"] = int(dev.BNumConfigurations)
		out["device"] = m
	}

	if len(d.Configurations) > 0 {
		cfgs := map[string]any{}
		for idx, r := range d.Configurations {
			m := recordMap(r)
			if cfg, err := usb.ParseConfiguration(r.Data); err == nil || len(cfg.Interfaces) > 0 {
				m["value"] = int(cfg.Value)
				m["interfaces"] = interfaceMaps(cfg)
			}
			cfgs[strconv.Itoa(int(idx))] = m
		}
		out["configurations"] = cfgs
	}

	if len(d.Strings) > 0 {
		keys := sortedStringKeys(d.Strings)
		strs := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			r := d.Strings[k]
			strs = append(strs, map[string]any{
				"language": fmt.Sprintf("%04x", k.Language),
				"index":    int(k.Index),
				"text":     r.Text(),
			})
		}
		out["strings"] = strs
	}

	if len(d.HIDReports) > 0 {
		keys := make([]analysis.ReportKey, 0, len(d.HIDReports))
		for k := range d.HIDReports {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Interface != keys[j].Interface {
				return keys[i].Interface < keys[j].Interface
			}
			return keys[i].Index < keys[j].Index
		})
		reports := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			m := recordMap(d.HIDReports[k])
			m["interface"] = int(k.Interface)
			m["index"] = int(k.Index)
			reports = append(reports, m)
		}
		out["hidReports"] = reports
	}
	return out
}

func recordMap(r analysis.Record) map[string]any {
	return map[string]any{
		"requested": int(r.Length),
		"data":      hex.EncodeToString(r.Data),
	}
}

func interfaceMaps(cfg usb.ConfigSummary) []map[string]any {
	out := make([]map[string]any, 0, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		eps := make([]string, 0, len(iface.Endpoints))
		for _, ep := range iface.Endpoints {
			eps = append(eps, fmt.Sprintf("%02x/%s", ep.Address, ep.TransferType()))
		}
		out = append(out, map[string]any{
			"number":    int(iface.BInterfaceNumber),
			"class":     int(iface.BInterfaceClass),
			"subClass":  int(iface.BInterfaceSubClass),
			"protocol":  int(iface.BInterfaceProtocol),
			"endpoints": eps,
		})
	}
	return out
}

// logRecovered writes a short account of d to logger.
func logRecovered(logger *slog.Logger, d analysis.Descriptors, pairs int) {
	args := []any{"pairs", pairs, "configurations", len(d.Configurations), "strings", len(d.Strings), "hidReports", len(d.HIDReports)}
	if d.Device != nil {
		dev := usb.ParseDeviceDescriptor(d.Device.Data)
		args = append(args, "vid", fmt.Sprintf("%04x", dev.IDVendor), "pid", fmt.Sprintf("%04x", dev.IDProduct))
	}
	logger.Info("Recovered descriptors", args...)
	for _, k := range sortedStringKeys(d.Strings) {
		logger.Info("  String", "language", fmt.Sprintf("%04x", k.Language), "index", k.Index, "text", d.Strings[k].Text())
	}
}

func sortedStringKeys(m map[analysis.StringKey]analysis.Record) []analysis.StringKey {
	keys := make([]analysis.StringKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Language != keys[j].Language {
			return keys[i].Language < keys[j].Language
		}
		return keys[i].Index < keys[j].Index
	})
	return keys
}
