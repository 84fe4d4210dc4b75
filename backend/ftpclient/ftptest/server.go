// Package ftptest provides an in-memory FTP server that satisfies
// ftpclient.Dialer, for tests of code that talks to many hosts at once.
package ftptest

import (
	"bytes"
	"context"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"sledge/backend/ftpclient"
)

// Host describes the behaviour of one fake server.
type Host struct {
	// Reject makes Login fail with a permission-denied reply.
	Reject bool
	// Files maps absolute remote paths to contents. Parent directories are implied.
	Files map[string][]byte
	// Dirs lists extra (possibly empty) directories as absolute paths.
	Dirs []string
	// FailRetrieve makes RETR of the given absolute paths stop halfway with an error.
	FailRetrieve map[string]bool
	// FailList makes LIST of the given absolute directories fail.
	FailList map[string]bool
	// Entries overrides the listing of a directory verbatim.
	Entries map[string][]ftpclient.Entry
	// Home is the initial working directory, "/" when empty.
	Home string
}

// Server routes dials by host to registered Hosts. Unknown hosts refuse the
// connection.
type Server struct {
	// Latency is slept inside every Dial, honouring the context.
	Latency time.Duration

	mu          sync.Mutex
	hosts       map[string]*Host
	dials       map[string]int
	quits       map[string]int
	logins      map[string]int
	inflight    int
	maxInflight int
}

func NewServer() *Server {
	return &Server{
		hosts:  make(map[string]*Host),
		dials:  make(map[string]int),
		quits:  make(map[string]int),
		logins: make(map[string]int),
	}
}

func (s *Server) AddHost(host string, h *Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host] = h
}

// Dials returns how many times host was dialed.
func (s *Server) Dials(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[host]
}

// Quits returns how many sessions to host were terminated with QUIT.
func (s *Server) Quits(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits[host]
}

// Logins returns how many login attempts host received.
func (s *Server) Logins(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins[host]
}

// MaxInflight returns the highest number of sessions open at the same time,
// counting a dial in progress as open.
func (s *Server) MaxInflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight
}

func (s *Server) Dial(ctx context.Context, addr string) (ftpclient.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	s.mu.Lock()
	s.dials[host]++
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	h := s.hosts[host]
	s.mu.Unlock()

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.release()
			return nil, errors.Wrapf(ctx.Err(), "dial %s", addr)
		case <-timer.C:
		}
	}

	if h == nil {
		s.release()
		return nil, errors.Wrapf(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, "dial %s", addr)
	}
	home := h.Home
	if home == "" {
		home = "/"
	}
	return &conn{server: s, host: host, cfg: h, cwd: home}, nil
}

func (s *Server) release() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

type conn struct {
	server *Server
	host   string
	cfg    *Host
	cwd    string
	closed bool
}

func (c *conn) Login(user, password string) error {
	c.server.mu.Lock()
	c.server.logins[c.host]++
	c.server.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if c.cfg.Reject {
		return errors.Wrap(ftpclient.ErrPermissionDenied, "530 Login incorrect.")
	}
	return nil
}

func (c *conn) CurrentDir() (string, error) {
	return c.cwd, nil
}

func (c *conn) ChangeDir(p string) error {
	target := c.resolve(p)
	if !c.isDir(target) {
		return errors.Errorf("550 %s: No such file or directory", p)
	}
	c.cwd = target
	return nil
}

func (c *conn) List(p string) ([]ftpclient.Entry, error) {
	dir := c.resolve(p)
	if c.cfg.FailList[dir] {
		return nil, errors.Errorf("425 can't open data connection for %s", dir)
	}
	if entries, ok := c.cfg.Entries[dir]; ok {
		return append([]ftpclient.Entry(nil), entries...), nil
	}
	if !c.isDir(dir) {
		return nil, errors.Errorf("550 %s: No such file or directory", p)
	}
	seen := make(map[string]ftpclient.EntryKind)
	add := func(full string, kind ftpclient.EntryKind) {
		rel, ok := childOf(dir, full)
		if !ok {
			return
		}
		if i := strings.Index(rel, "/"); i >= 0 {
			seen[rel[:i]] = ftpclient.EntryDir
			return
		}
		if _, exists := seen[rel]; !exists {
			seen[rel] = kind
		}
	}
	for name := range c.cfg.Files {
		add(name, ftpclient.EntryFile)
	}
	for _, d := range c.cfg.Dirs {
		add(path.Clean(d), ftpclient.EntryDir)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]ftpclient.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, ftpclient.Entry{Name: name, Kind: seen[name]})
	}
	return entries, nil
}

func (c *conn) Retrieve(name string, w io.Writer) (int64, error) {
	full := c.resolve(name)
	data, ok := c.cfg.Files[full]
	if !ok {
		return 0, errors.Errorf("550 %s: No such file", name)
	}
	if c.cfg.FailRetrieve[full] {
		n, _ := io.Copy(w, bytes.NewReader(data[:len(data)/2]))
		return n, errors.Errorf("426 connection closed; transfer of %s aborted", name)
	}
	return io.Copy(w, bytes.NewReader(data))
}

func (c *conn) Quit() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.server.mu.Lock()
	c.server.quits[c.host]++
	c.server.inflight--
	c.server.mu.Unlock()
	return nil
}

func (c *conn) resolve(p string) string {
	if p == "" {
		return c.cwd
	}
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(c.cwd, p)
}

func (c *conn) isDir(dir string) bool {
	if dir == "/" {
		return true
	}
	if _, ok := c.cfg.Entries[dir]; ok {
		return true
	}
	for _, d := range c.cfg.Dirs {
		if _, ok := childOf(dir, path.Clean(d)); ok || path.Clean(d) == dir {
			return true
		}
	}
	for name := range c.cfg.Files {
		if _, ok := childOf(dir, name); ok {
			return true
		}
	}
	return false
}

// childOf returns full relative to dir when full lies strictly below dir.
func childOf(dir, full string) (string, bool) {
	prefix := dir
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(full, prefix) || len(full) == len(prefix) {
		return "", false
	}
	return full[len(prefix):], true
}
