package script

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/akitasoftware/pipedge/listener"
	"github.com/akitasoftware/pipedge/pipeline"
)

// Builder produces the pipeline layout a listen() call serves, invoked once
// per Listen.
type Builder func() *pipeline.Layout

// Listen binds target and starts accepting, returning the live Listener.
// target accepts three address forms: IPv4 `a.b.c.d:p`, IPv6 `[::]:p`, or
// a bare port 1..65535 (which binds all interfaces). A bind failure leaves
// nothing running and is reported to the caller; listeners already
// committed elsewhere are untouched.
func Listen(target string, proto listener.Protocol, opts listener.Options, builder Builder) (*listener.Listener, error) {
	addr, port, err := ParseListenTarget(target)
	if err != nil {
		return nil, err
	}

	layout := builder()
	if layout == nil {
		return nil, errors.New("script: listen builder returned no pipeline layout")
	}

	l := listener.New(proto, addr, port, opts)
	if ok, err := l.SetNextState(layout, opts, false); !ok {
		l.Rollback()
		return nil, errors.Wrapf(err, "script: cannot stage listener on %s %s", proto, target)
	}
	if err := l.Commit(); err != nil {
		return nil, errors.Wrapf(err, "script: cannot bind %s %s", proto, target)
	}
	return l, nil
}

// ParseListenTarget splits one of Listen's address forms into
// (host, port). A bare port must lie in 1..65535; the host:port forms also
// admit port 0 so callers can bind an ephemeral port.
func ParseListenTarget(target string) (addr string, port int, err error) {
	if target == "" {
		return "", 0, errors.New("script: empty listen target")
	}

	if !strings.Contains(target, ":") {
		n, convErr := strconv.Atoi(target)
		if convErr != nil {
			return "", 0, errors.Wrapf(convErr, "script: %q is neither host:port nor a bare port", target)
		}
		if n < 1 || n > 65535 {
			return "", 0, errors.Errorf("script: port %d out of range 1..65535", n)
		}
		return "", n, nil
	}

	host, portStr, splitErr := net.SplitHostPort(target)
	if splitErr != nil {
		return "", 0, errors.Wrapf(splitErr, "script: bad listen address %q", target)
	}
	n, convErr := strconv.Atoi(portStr)
	if convErr != nil || n < 0 || n > 65535 {
		return "", 0, errors.Errorf("script: invalid port in %q", target)
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			return "", 0, errors.Errorf("script: %q is not an IP address", host)
		}
	}
	return host, n, nil
}
