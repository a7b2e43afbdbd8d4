package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/optset"
)

// loadOptionFile reads a YAML document mapping option names to values:
//
//	method: POST
//	headers:
//	  - "Content-Type: application/json"
//	body: '{"name":"x"}'
//	timeout: 5s
//	follow_redirects: true
func loadOptionFile(path string) (map[optset.Key]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading option file: %w", err)
	}

	return parseOptions(data)
}

func parseOptions(data []byte) (map[optset.Key]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.New(errs.KindInvalidOptionValue, "parse option file", err)
	}

	out := make(map[optset.Key]any, len(raw))
	for name, v := range raw {
		key, err := optset.ParseKey(name)
		if err != nil {
			return nil, err
		}

		val, err := yamlValue(key, v)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}

	return out, nil
}

// yamlValue converts a decoded YAML value into the Go kind the key
// accepts. Values already of an accepted kind pass through.
func yamlValue(key optset.Key, v any) (any, error) {
	switch key {
	case optset.KeyTimeout, optset.KeyConnectTimeout:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errs.New(errs.KindInvalidOptionValue, "parse option file", err)
		}
		return d, nil

	case optset.KeyHeaders:
		switch h := v.(type) {
		case []any:
			lines := make([]string, 0, len(h))
			for _, item := range h {
				line, ok := item.(string)
				if !ok {
					return nil, errs.Newf(errs.KindInvalidOptionValue, "parse option file", "header entry %v is not a string", item)
				}
				lines = append(lines, line)
			}
			return lines, nil
		case map[string]any:
			m := make(map[string]string, len(h))
			for name, val := range h {
				m[name] = fmt.Sprint(val)
			}
			return m, nil
		}
	}

	return v, nil
}
