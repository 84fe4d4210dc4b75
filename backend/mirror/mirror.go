// Package mirror copies the complete file tree of an anonymous FTP host into
// <root>/<host>/ on local disk.
//
// The walk is depth first over an explicit stack. Every frame carries the
// absolute remote directory and its local counterpart, so returning to a
// parent after a subtree is just popping the next frame and changing into it.
// Each directory is listed after changing into it, with no path argument.
// Existing local files are never overwritten: a colliding download is written
// next to it with a numeric suffix. Any failure stops the host and keeps what
// was already written.
package mirror

import (
	"context"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sledge/backend/ftpclient"
)

const (
	DefaultRoot         = "sledge-data"
	DefaultRetries      = 2
	DefaultRetryBackoff = 500 * time.Millisecond
)

// FailureKind tells which step stopped a host's mirror.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureConnect
	FailureLogin
	FailureList
	FailureChangeDir
	FailureRetrieve
	FailureLocalIO
	FailureCanceled
)

var failureNames = [...]string{"none", "connect", "login", "list", "cwd", "retrieve", "local-io", "canceled"}

func (k FailureKind) String() string {
	if k < 0 || int(k) >= len(failureNames) {
		return "unknown"
	}
	return failureNames[k]
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FailureKind) UnmarshalText(text []byte) error {
	for i, name := range failureNames {
		if name == string(text) {
			*k = FailureKind(i)
			return nil
		}
	}
	return errors.Errorf("unknown failure kind %q", text)
}

// Result summarises one host's mirror.
type Result struct {
	Host     string        `json:"host" yaml:"host"`
	Dir      string        `json:"dir" yaml:"dir"`
	Files    int           `json:"files" yaml:"files"`
	Dirs     int           `json:"dirs" yaml:"dirs"`
	Bytes    int64         `json:"bytes" yaml:"bytes"`
	Failure  FailureKind   `json:"failure" yaml:"failure"`
	Err      error         `json:"-" yaml:"-"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

func (r Result) OK() bool {
	return r.Failure == FailureNone
}

type Options struct {
	Root     string
	Port     int
	Timeout  time.Duration
	User     string
	Password string
	// Retries bounds extra attempts at dialing and logging in. The walk
	// itself is never retried.
	Retries      int
	RetryBackoff time.Duration
	Dialer       ftpclient.Dialer
	Logger       *logrus.Entry
}

type Mirror struct {
	opts   Options
	logger *logrus.Entry
}

func New(opts Options) *Mirror {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		opts.Port = 21
	}
	if opts.Timeout <= 0 {
		opts.Timeout = ftpclient.DefaultTimeout
	}
	if opts.User == "" {
		opts.User = "anonymous"
		if opts.Password == "" {
			opts.Password = "anonymous@example.com"
		}
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = ftpclient.NewNetDialer(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New().WithField("component", "mirror")
	}
	return &Mirror{opts: opts, logger: logger}
}

func (m *Mirror) Root() string {
	return m.opts.Root
}

type frame struct {
	remote string
	local  string
}

// Host mirrors the tree reachable from the session's initial working
// directory into <root>/<host>.
func (m *Mirror) Host(ctx context.Context, host string) Result {
	begin := time.Now()
	res := Result{Host: host, Dir: filepath.Join(m.opts.Root, host)}
	log := m.logger.WithField("host", host)

	fail := func(kind FailureKind, err error) Result {
		res.Failure = kind
		res.Err = err
		if err != nil {
			res.Error = err.Error()
		}
		res.Duration = time.Since(begin)
		log.WithError(err).
			WithField("failure", kind.String()).
			WithField("files", res.Files).
			Warn("mirror aborted")
		return res
	}

	conn, kind, err := m.connect(ctx, host)
	if err != nil {
		return fail(kind, err)
	}
	defer func() {
		_ = conn.Quit()
	}()

	start, err := conn.CurrentDir()
	if err != nil {
		return fail(FailureChangeDir, err)
	}

	created := make(dirSet)
	stack := []frame{{remote: start, local: res.Dir}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return fail(FailureCanceled, err)
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := conn.ChangeDir(cur.remote); err != nil {
			return fail(FailureChangeDir, err)
		}
		entries, err := conn.List("")
		if err != nil {
			return fail(FailureList, errors.Wrap(err, cur.remote))
		}
		if err := created.ensure(cur.local); err != nil {
			return fail(FailureLocalIO, err)
		}
		if cur.local != res.Dir {
			res.Dirs++
		}

		var subdirs []frame
		for _, entry := range entries {
			if !safeName(entry.Name) {
				log.WithField("dir", cur.remote).WithField("name", entry.Name).Debug("skip unsafe entry")
				continue
			}
			if entry.Kind == ftpclient.EntryDir {
				subdirs = append(subdirs, frame{
					remote: path.Join(cur.remote, entry.Name),
					local:  filepath.Join(cur.local, entry.Name),
				})
				continue
			}
			if err := ctx.Err(); err != nil {
				return fail(FailureCanceled, err)
			}
			n, kind, err := m.fetch(conn, entry.Name, filepath.Join(cur.local, entry.Name))
			res.Bytes += n
			if err != nil {
				return fail(kind, err)
			}
			res.Files++
		}
		// reversed so siblings are visited in listing order
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	res.Duration = time.Since(begin)
	log.WithField("files", res.Files).
		WithField("dirs", res.Dirs).
		WithField("bytes", res.Bytes).
		Info("mirror complete")
	return res
}

func (m *Mirror) connect(ctx context.Context, host string) (ftpclient.Conn, FailureKind, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(m.opts.Port))

	var (
		conn ftpclient.Conn
		kind FailureKind
	)
	op := func() error {
		c, err := m.opts.Dialer.Dial(ctx, addr)
		if err != nil {
			kind = FailureConnect
			return err
		}
		if err := c.Login(m.opts.User, m.opts.Password); err != nil {
			_ = c.Quit()
			kind = FailureLogin
			if ftpclient.IsPermissionDenied(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryBackoff
	policy.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.opts.Retries)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, FailureCanceled, errors.Wrap(ctx.Err(), host)
		}
		return nil, kind, err
	}
	return conn, FailureNone, nil
}

// fetch downloads name from the current remote directory into local,
// choosing a free name when local exists. A failed transfer leaves the
// partial file in place.
func (m *Mirror) fetch(conn ftpclient.Conn, name, local string) (int64, FailureKind, error) {
	f, dest, err := createExclusive(local)
	if err != nil {
		return 0, FailureLocalIO, err
	}
	w := &localWriter{f: f}
	n, err := conn.Retrieve(name, w)
	closeErr := f.Close()
	if w.err != nil {
		return n, FailureLocalIO, errors.Wrapf(w.err, "write %s", dest)
	}
	if err != nil {
		return n, FailureRetrieve, err
	}
	if closeErr != nil {
		return n, FailureLocalIO, errors.Wrapf(closeErr, "close %s", dest)
	}
	if dest != local {
		m.logger.WithField("file", local).WithField("saved", dest).Debug("local name taken, using suffix")
	}
	return n, FailureNone, nil
}

// localWriter remembers a failed local write so it is not mistaken for a
// transfer error.
type localWriter struct {
	f   *os.File
	err error
}

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}
