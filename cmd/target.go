package cmd

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// errScriptTarget marks a target that names a codebase to load (a path or
// URL, recognised by a "/" in it) rather than a listen address. A bare
// filename without a "/" gets the ordinary bad-target error. Loading a codebase is
// the script engine's job — the CLI surfaces a clear error instead of
// silently doing nothing.
var errScriptTarget = errors.New("cmd: target names a codebase entry module, which requires the script engine (out of scope for this core)")

// parseTarget classifies the `filename | URL | host:port` CLI argument,
// reporting whether the given string is a listen address this core can
// bind directly. Accepted address forms: `a.b.c.d:p`,
// `[::]:p`, or a bare port `1..65535` (binds on all interfaces).
func parseTarget(target string) (addr string, port int, err error) {
	if target == "" {
		return "", 0, errors.New("cmd: empty target")
	}

	if n, convErr := strconv.Atoi(target); convErr == nil {
		if n < 1 || n > 65535 {
			return "", 0, errors.Errorf("cmd: port %d out of range 1..65535", n)
		}
		return "", n, nil
	}

	host, portStr, splitErr := net.SplitHostPort(target)
	if splitErr != nil {
		if strings.Contains(target, "://") || strings.Contains(target, "/") {
			return "", 0, errScriptTarget
		}
		return "", 0, errors.Wrapf(splitErr, "cmd: %q is neither host:port nor a bare port", target)
	}

	n, convErr := strconv.Atoi(portStr)
	if convErr != nil || n < 1 || n > 65535 {
		return "", 0, errors.Errorf("cmd: invalid port in %q", target)
	}
	return host, n, nil
}
