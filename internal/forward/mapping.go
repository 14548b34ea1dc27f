package forward

import (
	"strconv"
	"strings"

	"github.com/antonkrylov/pit/internal/clierr"
)

// Mapping binds one loopback port to one port on the worker.
type Mapping struct {
	Local  int
	Remote int
}

func (m Mapping) String() string {
	return strconv.Itoa(m.Local) + ":" + strconv.Itoa(m.Remote)
}

// ParseMappings reads "local[:remote]" arguments. The remote port defaults to the local one.
// Every problem is an InvalidArgument reported before any network activity.
func ParseMappings(args []string) ([]Mapping, error) {
	if len(args) == 0 {
		return nil, clierr.Invalid("", "at least one port is required")
	}
	seen := make(map[int]bool, len(args))
	out := make([]Mapping, 0, len(args))
	for _, arg := range args {
		localStr, remoteStr, hasRemote := strings.Cut(strings.TrimSpace(arg), ":")
		local, err := parsePort(localStr)
		if err != nil {
			return nil, clierr.Invalid(arg, "wrong port pair format")
		}
		remote := local
		if hasRemote {
			if remote, err = parsePort(remoteStr); err != nil {
				return nil, clierr.Invalid(arg, "wrong port pair format")
			}
		}
		if seen[local] {
			return nil, clierr.Invalid(arg, "local port used twice")
		}
		seen[local] = true
		out = append(out, Mapping{Local: local, Remote: remote})
	}
	return out, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
