package optset

import (
	"strings"

	"github.com/adamwoolhether/xfer/errs"
)

// Key enumerates the supported transfer options.
type Key int

const (
	KeyURL Key = iota + 1
	KeyMethod
	KeyHeaders
	KeyBody
	KeyTimeout
	KeyConnectTimeout
	KeyFollowRedirects
	KeyVerifyTLS
	KeyReturnTransfer
)

var keyNames = map[Key]string{
	KeyURL:             "url",
	KeyMethod:          "method",
	KeyHeaders:         "headers",
	KeyBody:            "body",
	KeyTimeout:         "timeout",
	KeyConnectTimeout:  "connect_timeout",
	KeyFollowRedirects: "follow_redirects",
	KeyVerifyTLS:       "verify_tls",
	KeyReturnTransfer:  "return_transfer",
}

// Keys returns every supported key in declaration order.
func Keys() []Key {
	keys := make([]Key, 0, len(keyNames))
	for k := KeyURL; k <= KeyReturnTransfer; k++ {
		keys = append(keys, k)
	}

	return keys
}

func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}

	return "unknown"
}

// Valid reports whether k is one of the enumerated keys.
func (k Key) Valid() bool {
	_, ok := keyNames[k]
	return ok
}

// ParseKey maps an option name such as "connect_timeout" to its Key.
// Matching ignores case and treats '-' like '_'.
func ParseKey(name string) (Key, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for k, n := range keyNames {
		if n == norm {
			return k, nil
		}
	}

	return 0, errs.Newf(errs.KindInvalidOptionKey, "parse key", "%q", name)
}
