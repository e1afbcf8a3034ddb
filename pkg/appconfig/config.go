// Package appconfig loads CLI defaults from embedctl.toml through
// viper, so the same multi-path search precedence also understands
// YAML/JSON variants and live config reloads via fsnotify.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the CLI's configurable defaults.
type Config struct {
	Probe      string
	Target     string
	BaudRate   int
	TimeoutSec int
	TargetsDir string
}

func defaults() Config {
	return Config{
		Probe:      "",
		Target:     "",
		BaudRate:   115200,
		TimeoutSec: 5,
		TargetsDir: "",
	}
}

// Load reads embedctl.toml from the current directory, $EMBEDCTL_HOME,
// or the user's home directory, in that precedence order; viper means
// .yaml/.json variants are also accepted.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("embedctl")
	v.AddConfigPath(".")
	if dir := os.Getenv("EMBEDCTL_HOME"); dir != "" {
		v.AddConfigPath(dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}

	d := defaults()
	v.SetDefault("probe", d.Probe)
	v.SetDefault("target", d.Target)
	v.SetDefault("baud_rate", d.BaudRate)
	v.SetDefault("timeout_sec", d.TimeoutSec)
	v.SetDefault("targets_dir", d.TargetsDir)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read embedctl config: %w", err)
		}
		// No config file is not fatal; defaults (plus any flag
		// overrides applied by the caller) are enough to run.
	}

	cfg := &Config{
		Probe:      v.GetString("probe"),
		Target:     v.GetString("target"),
		BaudRate:   v.GetInt("baud_rate"),
		TimeoutSec: v.GetInt("timeout_sec"),
		TargetsDir: v.GetString("targets_dir"),
	}
	return cfg, nil
}

// WatchForChanges arms fsnotify on the resolved config file and calls
// onChange whenever it's rewritten.
func WatchForChanges(path string, onChange func()) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	go func() {
		for event := range watcher.Events {
			if event.Name == path && (event.Op&fsnotify.Write == fsnotify.Write) {
				onChange()
			}
		}
	}()

	return watcher, nil
}
