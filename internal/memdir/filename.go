package memdir

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradeloop/internal/domain"
)

const infoSeparator = ":2,"

// Info is everything encoded in an entry filename.
type Info struct {
	Filename  string       `json:"filename"`
	Timestamp time.Time    `json:"timestamp" format:"date-time"`
	ID        string       `json:"id"`
	Host      string       `json:"host"`
	Flags     domain.Flags `json:"flags"`
}

var hostEscaper = strings.NewReplacer("/", `\057`, ":", `\072`)

// FormatFilename renders <ns>.<id>.<host>[:2,<flags>].
func FormatFilename(ts time.Time, id, host string, flags domain.Flags) string {
	name := fmt.Sprintf("%d.%s.%s", ts.UnixNano(), id, hostEscaper.Replace(host))
	flags = domain.NewFlags([]rune(string(flags))...)
	if flags != "" {
		name += infoSeparator + string(flags)
	}
	return name
}

// ParseFilename decodes an entry filename.
func ParseFilename(name string) (Info, error) {
	if name == "" || strings.ContainsRune(name, '/') || strings.HasPrefix(name, ".") {
		return Info{}, fmt.Errorf("invalid entry filename %q", name)
	}
	base, flagPart := name, ""
	if i := strings.LastIndex(name, infoSeparator); i >= 0 {
		base, flagPart = name[:i], name[i+len(infoSeparator):]
	} else if strings.Contains(name, ":") {
		return Info{}, fmt.Errorf("invalid entry filename %q", name)
	}
	parts := strings.SplitN(base, ".", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Info{}, fmt.Errorf("invalid entry filename %q", name)
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ns < 0 {
		return Info{}, fmt.Errorf("invalid entry filename %q: bad timestamp", name)
	}
	flags, err := domain.ParseFlags(flagPart)
	if err != nil {
		return Info{}, fmt.Errorf("invalid entry filename %q: %w", name, err)
	}
	return Info{
		Filename:  name,
		Timestamp: time.Unix(0, ns).UTC(),
		ID:        parts[1],
		Host:      parts[2],
		Flags:     flags,
	}, nil
}

// WithFlags returns the filename info would have with the given flag set.
func (i Info) WithFlags(flags domain.Flags) string {
	base := i.Filename
	if j := strings.LastIndex(base, infoSeparator); j >= 0 {
		base = base[:j]
	}
	if flags == "" {
		return base
	}
	return base + infoSeparator + string(flags)
}
