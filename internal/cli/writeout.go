package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/adamwoolhether/xfer/optset"
	"github.com/adamwoolhether/xfer/session"
)

// parseWriteOut turns a comma separated list of info names into keys.
func parseWriteOut(list string) ([]session.InfoKey, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	var keys []session.InfoKey
	for _, name := range strings.Split(list, ",") {
		k, err := session.ParseInfoKey(name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	return keys, nil
}

func writeInfo(w io.Writer, s *session.Session, keys []session.InfoKey) error {
	label := color.New(color.FgCyan).SprintFunc()

	for _, k := range keys {
		v, err := s.GetInformation(k)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", label(k.String()), formatInfo(v)); err != nil {
			return err
		}
	}

	return nil
}

// formatInfo renders durations in seconds, the way transfer timings are
// usually reported.
func formatInfo(v any) string {
	switch val := v.(type) {
	case time.Duration:
		return fmt.Sprintf("%.6f", val.Seconds())
	case []optset.Header:
		lines := make([]string, len(val))
		for i, h := range val {
			lines[i] = h.String()
		}
		return strings.Join(lines, "; ")
	default:
		return fmt.Sprint(val)
	}
}
