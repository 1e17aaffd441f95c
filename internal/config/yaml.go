package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// EnvPrefix marks environment variables that override config keys.
// Path segments are separated by a double underscore; numeric segments index
// lists: SVCDISPATCH__UNITS__0__ACTIVE=false.
const EnvPrefix = "SVCDISPATCH__"

// decodeTree parses a JSON or YAML document (by extension) into a generic tree
// with string keys so documents can be merged before the strict decode.
func decodeTree(path string, data []byte) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var v any
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("json unmarshal: %w", err)
		}
	}
	v = normalizeYAML(v)
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: top level must be an object, got %T", filepath.Base(path), v)
	}
	return m, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// mergeTree overlays src onto dst. Objects merge recursively; lists are merged
// element-wise by index so an overlay can tweak one unit without restating the
// others; scalars replace.
func mergeTree(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		d, ok := dst.(map[string]any)
		if !ok {
			return s
		}
		for k, v := range s {
			if cur, exists := d[k]; exists {
				d[k] = mergeTree(cur, v)
			} else {
				d[k] = v
			}
		}
		return d
	case []any:
		d, ok := dst.([]any)
		if !ok {
			return s
		}
		for i, v := range s {
			if i < len(d) {
				d[i] = mergeTree(d[i], v)
			} else {
				d = append(d, v)
			}
		}
		return d
	default:
		return src
	}
}

// applyEnvOverrides sets tree values from KEY=VALUE pairs carrying EnvPrefix.
// Keys are lower-cased; values are decoded as YAML scalars so "true", "250"
// and "08:00" keep their natural types. Pairs are applied in sorted order.
func applyEnvOverrides(tree map[string]any, environ []string) ([]string, error) {
	type kv struct{ key, val string }
	var pairs []kv
	for _, e := range environ {
		k, v, ok := strings.Cut(e, "=")
		if !ok || len(k) <= len(EnvPrefix) || !strings.EqualFold(k[:len(EnvPrefix)], EnvPrefix) {
			continue
		}
		pairs = append(pairs, kv{key: k, val: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	applied := make([]string, 0, len(pairs))
	for _, p := range pairs {
		segs := strings.Split(strings.ToLower(p.key[len(EnvPrefix):]), "__")
		for _, s := range segs {
			if s == "" {
				return applied, fmt.Errorf("env %s: empty path segment", p.key)
			}
		}
		if err := setPath(tree, segs, envScalar(p.val)); err != nil {
			return applied, fmt.Errorf("env %s: %w", p.key, err)
		}
		applied = append(applied, p.key)
	}
	return applied, nil
}

func envScalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case map[string]any, map[any]any, []any:
		// structured values are not supported; keep the literal
		return raw
	case nil:
		if strings.TrimSpace(raw) == "" {
			return ""
		}
		return nil
	}
	return v
}

func setPath(node map[string]any, segs []string, val any) error {
	key := segs[0]
	if len(segs) == 1 {
		node[key] = val
		return nil
	}
	next := segs[1]
	if idx, err := strconv.Atoi(next); err == nil {
		list, _ := node[key].([]any)
		if idx < 0 || idx > len(list) {
			return fmt.Errorf("%s: index %d out of range (len %d)", key, idx, len(list))
		}
		if idx == len(list) {
			list = append(list, map[string]any{})
		}
		node[key] = list
		if len(segs) == 2 {
			list[idx] = val
			return nil
		}
		child, ok := list[idx].(map[string]any)
		if !ok {
			child = map[string]any{}
			list[idx] = child
		}
		return setPath(child, segs[2:], val)
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		child = map[string]any{}
		node[key] = child
	}
	return setPath(child, segs[1:], val)
}
