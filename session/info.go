package session

import (
	"strings"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/transport"
)

// InfoKey selects one field of the last transfer result.
type InfoKey int

const (
	InfoHTTPCode InfoKey = iota + 1
	InfoEffectiveURL
	InfoTotalTime
	InfoNameLookupTime
	InfoConnectTime
	InfoRedirectCount
	InfoContentType
	InfoSizeDownload
	InfoSizeUpload
	InfoHeaderSize
	InfoPrimaryIP
	InfoResponseHeaders
	InfoTransferID
)

var infoNames = map[InfoKey]string{
	InfoHTTPCode:        "http_code",
	InfoEffectiveURL:    "url",
	InfoTotalTime:       "total_time",
	InfoNameLookupTime:  "namelookup_time",
	InfoConnectTime:     "connect_time",
	InfoRedirectCount:   "redirect_count",
	InfoContentType:     "content_type",
	InfoSizeDownload:    "size_download",
	InfoSizeUpload:      "size_upload",
	InfoHeaderSize:      "header_size",
	InfoPrimaryIP:       "primary_ip",
	InfoResponseHeaders: "headers",
	InfoTransferID:      "transfer_id",
}

// InfoKeys returns every InfoKey in declaration order.
func InfoKeys() []InfoKey {
	keys := make([]InfoKey, 0, len(infoNames))
	for k := InfoHTTPCode; k <= InfoTransferID; k++ {
		keys = append(keys, k)
	}

	return keys
}

func (k InfoKey) String() string {
	if name, ok := infoNames[k]; ok {
		return name
	}

	return "unknown"
}

// ParseInfoKey maps a name such as "http_code" onto its InfoKey.
func ParseInfoKey(name string) (InfoKey, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range infoNames {
		if n == name {
			return k, nil
		}
	}

	return 0, errs.Newf(errs.KindInvalidOptionKey, "parse info key", "unknown info key %q", name)
}

// info holds a finished transfer and the ID it was recorded under.
type info struct {
	res *transport.Result
	id  string
}

func (i *info) get(k InfoKey) (any, bool) {
	r := i.res

	switch k {
	case InfoHTTPCode:
		return r.StatusCode, true
	case InfoEffectiveURL:
		return r.EffectiveURL, true
	case InfoTotalTime:
		return r.TotalTime, true
	case InfoNameLookupTime:
		return r.NameLookupTime, true
	case InfoConnectTime:
		return r.ConnectTime, true
	case InfoRedirectCount:
		return r.RedirectCount, true
	case InfoContentType:
		return r.Header("Content-Type"), true
	case InfoSizeDownload:
		return r.SizeDownload, true
	case InfoSizeUpload:
		return r.SizeUpload, true
	case InfoHeaderSize:
		return r.HeaderSize, true
	case InfoPrimaryIP:
		return r.PrimaryIP, true
	case InfoResponseHeaders:
		return r.Clone().Headers, true
	case InfoTransferID:
		return i.id, true
	}

	return nil, false
}
