package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// GetValue returns the effective value at a dotted path such as
// "tools.exec.timeout". Values come from Load, so defaults and environment
// overrides are visible.
func GetValue(path string) (any, error) {
	keys, err := splitKeyPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var cur any
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil, err
	}
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
		if cur, ok = obj[k]; !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}
	if n, ok := cur.(float64); ok && isDurationPath(keys) {
		return time.Duration(n).String(), nil
	}
	return cur, nil
}

// SetValue writes raw at path into the config file. Duration fields take
// Go duration syntax such as "90s". Other raw values are decoded as JSON
// when possible and used as a plain string otherwise. The file is only
// written if the result still parses as a Config.
func SetValue(path, raw string) error {
	keys, err := splitKeyPath(path)
	if err != nil {
		return err
	}
	root, cfgPath, err := readFileMap()
	if err != nil {
		return err
	}
	var value any = raw
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		value = decoded
	} else if isDurationPath(keys) {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", path, err)
		}
		value = int64(d)
	}

	node := root
	for _, k := range keys[:len(keys)-1] {
		child, ok := node[k].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[k] = child
		}
		node = child
	}
	node[keys[len(keys)-1]] = value
	return writeFileMap(cfgPath, root)
}

// UnsetValue removes path from the config file so the default applies again.
func UnsetValue(path string) error {
	keys, err := splitKeyPath(path)
	if err != nil {
		return err
	}
	root, cfgPath, err := readFileMap()
	if err != nil {
		return err
	}
	node := root
	for _, k := range keys[:len(keys)-1] {
		child, ok := node[k].(map[string]any)
		if !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		node = child
	}
	last := keys[len(keys)-1]
	if _, ok := node[last]; !ok {
		return fmt.Errorf("path not found: %s", path)
	}
	delete(node, last)
	return writeFileMap(cfgPath, root)
}

// isDurationPath reports whether keys name a time.Duration field of Config.
func isDurationPath(keys []string) bool {
	t := reflect.TypeOf(Config{})
	for _, k := range keys {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Kind() == reflect.Map {
			t = t.Elem()
			continue
		}
		if t.Kind() != reflect.Struct {
			return false
		}
		f, ok := fieldByJSONName(t, k)
		if !ok {
			return false
		}
		t = f.Type
	}
	return t == durationType
}

func fieldByJSONName(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == name || (tag == "" && strings.EqualFold(f.Name, name)) {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func splitKeyPath(path string) ([]string, error) {
	var keys []string
	for _, k := range strings.Split(strings.TrimSpace(path), ".") {
		if k = strings.TrimSpace(k); k == "" {
			return nil, fmt.Errorf("invalid config path %q", path)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func readFileMap() (map[string]any, string, error) {
	cfgPath, err := ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return map[string]any{}, cfgPath, nil
	}
	if err != nil {
		return nil, "", err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("parse config %s: %w", cfgPath, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, cfgPath, nil
}

func writeFileMap(cfgPath string, m map[string]any) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, DefaultConfig()); err != nil {
		return fmt.Errorf("invalid config value: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(cfgPath, data, 0o600)
}
