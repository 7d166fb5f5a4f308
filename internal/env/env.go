package env

import (
	"os"
	"sort"
	"strings"
)

// Merge composes a child environment: base first (usually os.Environ()), then each
// "KEY=VALUE" in overrides in order. Override values may reference ${OTHER}; references
// are expanded once against the composed map, unknown names expand to "". Base values
// are copied as is. The result is sorted by key. Entries without a key are dropped.
func Merge(base []string, overrides ...string) []string {
	m := make(map[string]string, len(base)+len(overrides))
	overridden := make(map[string]bool, len(overrides))
	set := func(kv string, override bool) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return
		}
		m[k] = v
		overridden[k] = override
	}
	for _, kv := range base {
		set(kv, false)
	}
	for _, kv := range overrides {
		set(kv, true)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if overridden[k] {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	return out
}

// FromOS is Merge(os.Environ(), overrides...).
func FromOS(overrides ...string) []string {
	return Merge(os.Environ(), overrides...)
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if strings.HasPrefix(name, "{") {
			return ""
		}
		return m[name]
	})
}
