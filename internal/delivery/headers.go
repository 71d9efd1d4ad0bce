package delivery

import (
	"net/http"
	"strings"
)

// finalizeHeaders drops empty values and escapes the rest. Error bodies get
// a short cache lifetime regardless of what upstream asked for.
func finalizeHeaders(headers map[string]string, status int, errorBody bool) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if value == "" {
			continue
		}
		out[name] = encodeHeaderValue(value)
	}

	if errorBody {
		switch {
		case status >= http.StatusInternalServerError:
			out["Cache-Control"] = ServerErrorCache
		case status >= http.StatusBadRequest:
			out["Cache-Control"] = ClientErrorCache
		}
	}
	return out
}

// headerName returns the key an override should be stored under: the
// existing key when one matches case-insensitively, else the canonical form.
func headerName(headers map[string]string, name string) string {
	for existing := range headers {
		if strings.EqualFold(existing, name) {
			return existing
		}
	}
	return http.CanonicalHeaderKey(name)
}

const upperhex = "0123456789ABCDEF"

// encodeHeaderValue percent-encodes like a browser's encodeURI, then puts
// literal spaces back.
func encodeHeaderValue(value string) string {
	var sb strings.Builder
	sb.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if keepInHeader(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
	return strings.ReplaceAll(sb.String(), "%20", " ")
}

func keepInHeader(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'();,/?:@&=+$#", c) >= 0
}
