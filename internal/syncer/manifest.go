package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Manifest is the list of resource keys relative to the manifest's base URL.
type Manifest []string

// ManifestFormatError means the manifest was fetched but has an unexpected shape.
type ManifestFormatError struct {
	URL string
	Err error
}

func (e *ManifestFormatError) Error() string {
	return fmt.Sprintf("manifest %s: expected a JSON array of paths or an object with a \"files\" array: %v", e.URL, e.Err)
}

func (e *ManifestFormatError) Unwrap() error { return e.Err }

// ManifestNotFoundError means the manifest URL answered 404.
type ManifestNotFoundError struct {
	URL string
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest %s not found: publish the resource manifest to the asset host first", e.URL)
}

// ParseManifest accepts `["a", "b"]` or `{"files": ["a", "b"]}`. Keys are cleaned,
// use forward slashes and are de-duplicated in order. Empty keys are dropped.
func ParseManifest(data []byte) (Manifest, error) {
	data = bytes.TrimSpace(data)
	var raw []string
	switch {
	case len(data) > 0 && data[0] == '[':
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case len(data) > 0 && data[0] == '{':
		var obj struct {
			Files *[]string `json:"files"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		if obj.Files == nil {
			return nil, fmt.Errorf("object has no files array")
		}
		raw = *obj.Files
	default:
		return nil, fmt.Errorf("not a JSON array or object")
	}

	seen := make(map[string]bool, len(raw))
	out := make(Manifest, 0, len(raw))
	for _, k := range raw {
		k = CleanKey(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

// CleanKey normalises a manifest key: backslashes become slashes, leading slashes
// are dropped and the path is cleaned. Keys that still climb out ("../x") are kept
// as-is so the syncer can report them.
func CleanKey(k string) string {
	k = strings.TrimSpace(strings.ReplaceAll(k, `\`, "/"))
	k = strings.TrimLeft(k, "/")
	if k == "" {
		return ""
	}
	k = path.Clean(k)
	if k == "." {
		return ""
	}
	return k
}
