package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

const defaultDialTimeout = 2 * time.Second

var (
	ErrEmpty         = errors.New("endpoint is empty")
	ErrUnsupported   = errors.New("unsupported endpoint")
	ErrAddressInUse  = errors.New("endpoint is served by a running process")
	ErrNotUnixSocket = errors.New("path exists and is not a unix socket")
)

// Endpoint is a resolved stream-socket address. Addr is always a multiaddr;
// Network and Address are its net package form.
type Endpoint struct {
	Addr    ma.Multiaddr
	Network string
	Address string
}

// Parse accepts a multiaddr (/unix/..., /ip4/.../tcp/..., /dns/.../tcp/...)
// or a URL (unix:///path, tcp://host:port). URL query strings are ignored.
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, ErrEmpty
	}
	var (
		addr ma.Multiaddr
		err  error
	)
	if strings.HasPrefix(raw, "/") {
		addr, err = ma.NewMultiaddr(raw)
	} else {
		addr, err = fromURL(raw)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", ErrUnsupported, raw, err)
	}
	network, address, err := manet.DialArgs(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", ErrUnsupported, raw, err)
	}
	switch network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return Endpoint{}, fmt.Errorf("%w %q: network %s", ErrUnsupported, raw, network)
	}
	return Endpoint{Addr: addr, Network: network, Address: address}, nil
}

func fromURL(raw string) (ma.Multiaddr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if !filepath.IsAbs(path) {
			return nil, errors.New("unix socket path must be absolute")
		}
		return ma.NewMultiaddr("/unix" + filepath.Clean(path))
	case "tcp":
		host, port := u.Hostname(), u.Port()
		if host == "" || port == "" {
			return nil, errors.New("tcp endpoint needs host and port")
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return nil, fmt.Errorf("invalid port %q", port)
		}
		proto := "dns"
		if ip, err := netip.ParseAddr(host); err == nil {
			proto = "ip4"
			if ip.Is6() && !ip.Is4In6() {
				proto = "ip6"
			}
		}
		return ma.NewMultiaddr("/" + proto + "/" + host + "/tcp/" + port)
	default:
		return nil, fmt.Errorf("scheme %q", u.Scheme)
	}
}

func (e Endpoint) String() string {
	if e.Addr == nil {
		return ""
	}
	return e.Addr.String()
}

func (e Endpoint) IsUnix() bool {
	return e.Network == "unix"
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/seedkeeper/socket, falling back
// to ~/.seedkeeper/socket.
func DefaultSocketPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "seedkeeper", "socket")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "seedkeeper", "socket")
	}
	return filepath.Join(home, ".seedkeeper", "socket")
}

// Default returns the Unix socket endpoint at DefaultSocketPath.
func Default() Endpoint {
	path := DefaultSocketPath()
	addr, _ := ma.NewMultiaddr("/unix" + path)
	return Endpoint{Addr: addr, Network: "unix", Address: path}
}

// Listen opens a listener on e. For Unix sockets the parent directory is
// created with mode 0700, a stale socket file is removed, and the new socket
// is restricted to the owner.
func Listen(e Endpoint) (net.Listener, error) {
	if !e.IsUnix() {
		return net.Listen(e.Network, e.Address)
	}
	if err := os.MkdirAll(filepath.Dir(e.Address), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(e.Address); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", e.Address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(e.Address, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return ln, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotUnixSocket, path)
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	return os.Remove(path)
}

// Dial connects to e. A zero timeout uses a 2s default.
func Dial(ctx context.Context, e Endpoint, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, e.Network, e.Address)
}
