// Pouch uses flags and a single config file for configuration.
// The config file is an INI file whose [pouch] section holds `flag_name = value` options; every option must name a
// registered flag. Flags given on the command line win over the file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	goconfig "github.com/robfig/config"
)

const Section = "pouch"

var configFilePath = flag.String("config_file", "", "Path to the INI configuration file; empty to skip.")

// skippedFlags are the flags that only make sense on the command line.
var skippedFlags = []string{"print_version", "config_file"}

// InitFlags parses the command line and then applies the config file named by --config_file, if any.
// It should be called after defining all flags and before using them. A broken config file is logged and skipped.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	if err := Apply(*configFilePath); errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
	} else if err != nil {
		slog.Error("Failed to apply config file.", "path", *configFilePath, "error", err)
	}
}

// readOptions reads the [pouch] section of the INI file at `path` into an option -> value map.
func readOptions(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	file, err := goconfig.ReadDefault(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if !file.HasSection(Section) {
		return map[string]string{}, nil
	}
	options, err := file.Options(Section)
	if err != nil {
		return nil, fmt.Errorf("failed to list the [%s] options: %w", Section, err)
	}

	values := make(map[string]string, len(options))
	for _, option := range options {
		value, err := file.String(Section, option)
		if err != nil {
			return nil, fmt.Errorf("failed to read option %q: %w", option, err)
		}
		values[option] = value
	}
	return values, nil
}

// UnknownOptions returns the options of the config file at `path` that don't name a registered flag, sorted.
func UnknownOptions(path string) ([]string, error) {
	options, err := readOptions(path)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for option := range options {
		if flag.Lookup(option) == nil {
			unknown = append(unknown, option)
		}
	}
	slices.Sort(unknown)
	return unknown, nil
}

// Apply sets the flags named by the config file at `path`, except the ones already set on the command line.
// The file applies as a whole: unknown options fail it before any flag is touched, and a value that doesn't parse
// restores every flag it already set.
func Apply(path string) error {
	options, err := readOptions(path)
	if err != nil {
		return err
	}
	unknown, err := UnknownOptions(path)
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		return fmt.Errorf("config file %s has options naming no flag: %s", path, strings.Join(unknown, ", "))
	}

	setOnCommandLine := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setOnCommandLine[f.Name] = true })
	previous := make(map[*flag.Flag]string, len(options))
	for _, option := range slices.Sorted(maps.Keys(options)) {
		if setOnCommandLine[option] || slices.Contains(skippedFlags, option) {
			continue
		}
		target := flag.Lookup(option)
		previous[target] = target.Value.String()
		if err := flag.Set(option, options[option]); err != nil {
			restore(previous)
			return fmt.Errorf("failed to set flag %s from config file: %w", option, err)
		}
	}
	return nil
}

// restore puts back the flag values saved in `previous`. Failed Set calls may have left the zero value behind.
func restore(previous map[*flag.Flag]string) {
	for target, value := range previous {
		if err := target.Value.Set(value); err != nil {
			slog.Error("Failed to restore flag.", "flag", target.Name, "value", value, "error", err)
		}
	}
}

// CollectUnconfiguredFlags returns an error for each registered flag the config file at `path` doesn't mention.
func CollectUnconfiguredFlags(path string) []error {
	options, err := readOptions(path)
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedFlags, f.Name) {
			return
		}
		if _, hasOption := options[f.Name]; !hasOption {
			errs = append(errs, fmt.Errorf("flag '%s' has no option in config file %s", f.Name, path))
		}
	})
	return errs
}
