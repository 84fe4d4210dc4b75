// Package ftpclient narrows an FTP client down to the handful of commands the
// scanner and the mirror need, and classifies server replies into the error
// kinds the rest of the program branches on.
package ftpclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
)

const DefaultTimeout = 5 * time.Second

// ErrPermissionDenied marks an explicit 5xx rejection of the credentials.
var ErrPermissionDenied = errors.New("ftp: permission denied")

// EntryKind is the classification of a single listing record.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDir
)

func (k EntryKind) String() string {
	if k == EntryDir {
		return "dir"
	}
	return "file"
}

// Entry is one record of a directory listing.
type Entry struct {
	Name string
	Kind EntryKind
}

// Conn is one FTP control session.
type Conn interface {
	Login(user, password string) error
	CurrentDir() (string, error)
	ChangeDir(path string) error
	List(path string) ([]Entry, error)
	// Retrieve streams the named file, relative to the working directory,
	// into w and returns the number of bytes copied.
	Retrieve(name string, w io.Writer) (int64, error)
	Quit() error
}

// Dialer opens control sessions. addr is host:port.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// NetDialer dials real servers. Timeout bounds the TCP connect and every
// subsequent read or write on the control and data connections.
type NetDialer struct {
	Timeout time.Duration
}

func NewNetDialer(timeout time.Duration) *NetDialer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NetDialer{Timeout: timeout}
}

func (d *NetDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// the first connection dialed is the control connection, the rest carry data
	var ctrl *controlConn
	dialFunc := func(network, address string) (net.Conn, error) {
		nd := net.Dialer{Timeout: timeout}
		conn, err := nd.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		dc := &deadlineConn{Conn: conn, timeout: timeout}
		if ctrl == nil {
			ctrl = &controlConn{deadlineConn: dc}
			return ctrl, nil
		}
		return dc, nil
	}
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithDialFunc(dialFunc))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &serverConn{conn: c, ctrl: ctrl}, nil
}

// deadlineConn pushes the deadline forward on every read and write so a
// stalled peer is cut off after one idle timeout.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// controlConn remembers the verb of the last command written and the code
// of the last final reply line read. The client reports some rejections as
// a bare message, and login classification needs the code behind it.
type controlConn struct {
	*deadlineConn

	mu      sync.Mutex
	partial []byte
	command string
	code    int
}

func (c *controlConn) Read(b []byte) (int, error) {
	n, err := c.deadlineConn.Read(b)
	if n > 0 {
		c.observe(b[:n])
	}
	return n, err
}

func (c *controlConn) Write(b []byte) (int, error) {
	verb, _, _ := strings.Cut(strings.TrimSpace(string(b)), " ")
	c.mu.Lock()
	c.command = strings.ToUpper(verb)
	c.code = 0
	c.mu.Unlock()
	return c.deadlineConn.Write(b)
}

func (c *controlConn) observe(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		if code, ok := replyCode(string(bytes.TrimRight(c.partial[:i], "\r"))); ok {
			c.code = code
		}
		c.partial = c.partial[i+1:]
	}
	if len(c.partial) > 4096 {
		c.partial = nil
	}
}

// last returns the last command verb and the reply code it got, 0 when no
// final reply has been read since.
func (c *controlConn) last() (string, int) {
	if c == nil {
		return "", 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command, c.code
}

// replyCode parses the code of a final reply line ("530 Login incorrect.").
// Continuation lines ("230-Welcome") are not final.
func replyCode(line string) (int, bool) {
	if len(line) < 4 || line[3] != ' ' {
		return 0, false
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

type serverConn struct {
	conn *ftp.ServerConn
	ctrl *controlConn
}

func (c *serverConn) Login(user, password string) error {
	if err := c.conn.Login(user, password); err != nil {
		command, code := c.ctrl.last()
		return ClassifyLoginError(err, command, code)
	}
	return nil
}

func (c *serverConn) CurrentDir() (string, error) {
	dir, err := c.conn.CurrentDir()
	if err != nil {
		return "", errors.Wrap(err, "pwd")
	}
	return dir, nil
}

func (c *serverConn) ChangeDir(path string) error {
	return errors.Wrapf(c.conn.ChangeDir(path), "cwd %s", path)
}

// List names every entry of path, the working directory when path is empty.
// Names come from NLST, which is not subject to listing-format parsing.
// Only names the long listing marks as directories are directories, every
// other name (fifos, sockets, lines the parser rejects) is a file.
func (c *serverConn) List(path string) ([]Entry, error) {
	raw, err := c.conn.List(path)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", path)
	}
	var dirs []string
	isDir := make(map[string]bool)
	for _, e := range raw {
		if e != nil && kindOf(e) == EntryDir && !isDir[e.Name] {
			isDir[e.Name] = true
			dirs = append(dirs, e.Name)
		}
	}

	names, err := c.conn.NameList(path)
	if err != nil {
		var tpErr *textproto.Error
		if !errors.As(err, &tpErr) {
			return nil, errors.Wrapf(err, "nlst %s", path)
		}
		// servers answer NLST on an empty directory with 450/550, and a few
		// do not implement it at all
		names = nil
		for _, e := range raw {
			if e != nil {
				names = append(names, e.Name)
			}
		}
	}

	seen := make(map[string]bool, len(names))
	entries := make([]Entry, 0, len(names)+len(dirs))
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		kind := EntryFile
		if isDir[name] {
			kind = EntryDir
		}
		entries = append(entries, Entry{Name: name, Kind: kind})
	}
	for _, name := range names {
		add(nlstName(path, name))
	}
	// some servers leave directories out of NLST
	for _, name := range dirs {
		add(name)
	}
	return entries, nil
}

// nlstName strips the prefixes servers put in front of NLST names.
func nlstName(dir, name string) string {
	name = strings.TrimRight(name, "\r")
	if dir != "" {
		name = strings.TrimPrefix(name, strings.TrimSuffix(dir, "/")+"/")
	}
	return strings.TrimPrefix(name, "./")
}

func (c *serverConn) Retrieve(name string, w io.Writer) (int64, error) {
	resp, err := c.conn.Retr(name)
	if err != nil {
		return 0, errors.Wrapf(err, "retr %s", name)
	}
	n, copyErr := io.Copy(w, resp)
	// the transfer-complete reply is read on Close and must be consumed
	// before the next command, even when the copy failed
	closeErr := resp.Close()
	if copyErr != nil {
		return n, errors.Wrapf(copyErr, "retr %s", name)
	}
	return n, errors.Wrapf(closeErr, "retr %s", name)
}

func (c *serverConn) Quit() error {
	return c.conn.Quit()
}

// kindOf follows the listing's permission field: only a leading 'd' (or the
// MLSD type=dir fact) makes a directory, links and anything unrecognised are
// treated as files.
func kindOf(e *ftp.Entry) EntryKind {
	if e.Type == ftp.EntryTypeFolder {
		return EntryDir
	}
	return EntryFile
}

// ClassifyLoginError maps a failed login onto ErrPermissionDenied when the
// server answered USER or PASS with a 5xx reply. command is the last command
// sent on the control connection and code the last reply it got; the code of
// a *textproto.Error in err wins over code. Everything else, including
// failures of the commands sent after PASS, is wrapped as a plain login error.
func ClassifyLoginError(err error, command string, code int) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code = tpErr.Code
	}
	if (command == "USER" || command == "PASS") && code >= 500 && code < 600 {
		return errors.Wrapf(ErrPermissionDenied, "%s rejected (%d): %s", command, code, err.Error())
	}
	return errors.Wrap(err, "login")
}

// IsPermissionDenied reports whether err carries ErrPermissionDenied.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
