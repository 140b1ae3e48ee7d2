package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// watchConfigFile reports edits to the loaded config file until ctx ends or
// the returned stop function is called. Settings are bound once at startup,
// so an edit is only logged, together with the keys whose file values now
// differ from the ones the kernel runs with. onChange may be nil.
func watchConfigFile(ctx context.Context, path string, logger pslog.Logger, onChange func(keys []string)) (func(), error) {
	path = filepath.Clean(path)
	initial, err := readConfigValues(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	// Watch the directory: editors replace the file rather than write it.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", filepath.Dir(path), err)
	}
	logger.Debug("config.watch.start", "path", path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				current, err := readConfigValues(path)
				if err != nil {
					logger.Warn("config.reread.failed", "path", path, "error", err)
					continue
				}
				// A truncate-then-write save shows up as an empty file first.
				if len(current) == 0 {
					continue
				}
				keys := changedKeys(initial, current)
				if len(keys) == 0 {
					continue
				}
				logger.Warn("config.changed", "path", path, "keys", keys, "action", "restart to apply")
				if onChange != nil {
					onChange(keys)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config.watch.error", "path", path, "error", err)
			}
		}
	}()
	return func() {
		_ = w.Close()
		<-done
	}, nil
}

func readConfigValues(path string) (map[string]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	values := make(map[string]string)
	for _, key := range v.AllKeys() {
		values[key] = fmt.Sprint(v.Get(key))
	}
	return values, nil
}

func changedKeys(before, after map[string]string) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
