package metrics

import (
	"fmt"
	"strings"
)

// seriesKey renders name{label="value",...} with values escaped the way
// the Prometheus text format escapes them. Labels keep the given order.
func seriesKey(name string, labels, values []string) string {
	if len(labels) == 0 {
		return name
	}
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, l := range labels {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(l)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(values[i]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

// parseSeriesKey is the inverse of seriesKey.
func parseSeriesKey(key string) (string, map[string]string, error) {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		if key == "" {
			return "", nil, fmt.Errorf("empty series key")
		}
		return key, map[string]string{}, nil
	}
	name := key[:open]
	if name == "" || !strings.HasSuffix(key, "}") {
		return "", nil, fmt.Errorf("malformed series key %q", key)
	}

	labels := make(map[string]string)
	rest := key[open+1 : len(key)-1]
	for rest != "" {
		eq := strings.Index(rest, `="`)
		if eq <= 0 {
			return "", nil, fmt.Errorf("malformed series key %q", key)
		}
		label := rest[:eq]
		rest = rest[eq+2:]

		var val strings.Builder
		closed := false
		for i := 0; i < len(rest); i++ {
			c := rest[i]
			if c == '\\' && i+1 < len(rest) {
				i++
				switch rest[i] {
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte(rest[i])
				}
				continue
			}
			if c == '"' {
				rest = rest[i+1:]
				closed = true
				break
			}
			val.WriteByte(c)
		}
		if !closed {
			return "", nil, fmt.Errorf("malformed series key %q", key)
		}
		labels[label] = val.String()

		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return "", nil, fmt.Errorf("malformed series key %q", key)
		}
		rest = rest[1:]
	}
	return name, labels, nil
}
