package config

import (
	"sort"

	"github.com/spf13/pflag"
)

// flag name -> config key
var flagKeys = map[string]string{
	"watch":     "watch_path",
	"dest":      "dest_dir",
	"backup":    "backup_dir",
	"interval":  "poll_interval",
	"window":    "stability_window",
	"ext":       "extension",
	"workers":   "workers",
	"source":    "source",
	"audit":     "audit.path",
	"log-level": "logging.level",
}

// RegisterFlags adds the flags that override configuration keys to fs.
// Defaults are left zero so that only flags the user sets take effect.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("watch", "", "directory to watch (watch_path)")
	fs.String("dest", "", "archive destination directory (dest_dir)")
	fs.String("backup", "", "move verified sources into this directory (backup_dir)")
	fs.Duration("interval", 0, "poll interval, e.g. 5s (poll_interval)")
	fs.Duration("window", 0, "stability window, e.g. 5s (stability_window)")
	fs.String("ext", "", "archive single files with this extension, e.g. .dpx (extension)")
	fs.Int("workers", 0, "entries processed concurrently (workers)")
	fs.String("source", "", "change source: poll or events (source)")
	fs.String("audit", "", "audit record file (audit.path)")
	fs.String("log-level", "", "log level: debug, info, warn, error (logging.level)")
}

// FlagOverrides returns the config values of the flags set on fs, for
// WithOverrides.
func FlagOverrides(fs *pflag.FlagSet) map[string]any {
	overrides := make(map[string]any)
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}

// FlagArgs renders the flags set on fs as command-line arguments, in a
// stable order, so they can be passed on to another process.
func FlagArgs(fs *pflag.FlagSet) []string {
	var args []string
	fs.Visit(func(f *pflag.Flag) {
		if _, ok := flagKeys[f.Name]; ok {
			args = append(args, "--"+f.Name+"="+f.Value.String())
		}
	})
	sort.Strings(args)
	return args
}
