package drec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
)

// Some IEDs answer SIZE or MDTM with errors for every file; after this many failures
// the command is no longer attempted for the rest of the listing.
const maxFTPCommandErrors = 2

type FTPOptions struct {
	User     string
	Password string
	// Location interprets LIST and MDTM times that carry no zone.
	Location *time.Location
}

// ftpClient is the subset of *ftp.ServerConn used by FTPSource.
type ftpClient interface {
	Login(user, password string) error
	CurrentDir() (string, error)
	ChangeDir(path string) error
	List(path string) ([]*ftp.Entry, error)
	NameList(path string) ([]string, error)
	FileSize(path string) (int64, error)
	GetTime(path string) (time.Time, error)
	Retr(path string) (io.ReadCloser, error)
	NoOp() error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	r, err := c.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type ftpDialer func(ctx context.Context, addr string, timeout time.Duration, loc *time.Location) (ftpClient, error)

func dialFTP(ctx context.Context, addr string, timeout time.Duration, loc *time.Location) (ftpClient, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	if loc != nil {
		opts = append(opts, ftp.DialWithLocation(loc))
	}
	c, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return serverConn{c}, nil
}

// FTPSource lists and fetches disturbance records over FTP.
type FTPSource struct {
	opts FTPOptions
	dial ftpDialer
	now  func() time.Time

	conn ftpClient
	root string
}

func NewFTPSource(opts FTPOptions) *FTPSource {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &FTPSource{opts: opts, dial: dialFTP, now: time.Now}
}

func (s *FTPSource) Connect(ctx context.Context, address string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	conn, err := s.dial(ctx, addr, timeout, s.opts.Location)
	if err != nil {
		return Connectivity("connect "+addr, err)
	}
	if err := conn.Login(s.opts.User, s.opts.Password); err != nil {
		_ = conn.Quit()
		return Connectivity("login "+addr, err)
	}
	root, err := conn.CurrentDir()
	if err != nil {
		root = "/"
	}
	s.conn = conn
	s.root = root
	return nil
}

func (s *FTPSource) IsConnected(_ context.Context) bool {
	return s.conn != nil && s.conn.NoOp() == nil
}

// ListDirectory returns the files under subdir with paths of the form subdir/name.
// Times were bound to the device zone when the connection was dialed.
func (s *FTPSource) ListDirectory(_ context.Context, subdir string, _ *time.Location) ([]RemoteEntry, error) {
	if s.conn == nil {
		return nil, Connectivity("list", errors.New("not connected"))
	}
	entries, err := s.conn.List(listTarget(subdir))
	if err == nil {
		out := make([]RemoteEntry, 0, len(entries))
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			out = append(out, RemoteEntry{
				Path:      joinRemote(subdir, path.Base(e.Name)),
				Size:      e.Size,
				Timestamp: epochSeconds(e.Time),
			})
		}
		return out, nil
	}
	return s.listByName(subdir)
}

// listByName is the NLST fallback for servers whose LIST/MLSD output cannot be
// parsed: directories are detected by trying to enter them, sizes and times are
// queried one by one.
func (s *FTPSource) listByName(subdir string) ([]RemoteEntry, error) {
	names, err := s.conn.NameList(listTarget(subdir))
	if err != nil {
		return nil, Connectivity("nlst "+subdir, err)
	}
	queried := epochSeconds(s.now())
	sizeErrors, timeErrors := 0, 0
	out := make([]RemoteEntry, 0, len(names))
	for _, n := range names {
		name := path.Base(n)
		if name == "." || name == ".." {
			continue
		}
		full := joinRemote(subdir, name)
		if err := s.conn.ChangeDir(full); err == nil {
			if err := s.conn.ChangeDir(s.root); err != nil {
				return nil, Connectivity("cwd "+s.root, err)
			}
			continue
		}

		var size uint64
		if sizeErrors < maxFTPCommandErrors {
			if sz, err := s.conn.FileSize(full); err == nil && sz >= 0 {
				size = uint64(sz)
			} else {
				sizeErrors++
			}
		}
		ts := queried
		if timeErrors < maxFTPCommandErrors {
			if t, err := s.conn.GetTime(full); err == nil {
				ts = epochSeconds(t)
			} else {
				timeErrors++
			}
		}
		out = append(out, RemoteEntry{Path: full, Size: size, Timestamp: ts})
	}
	return out, nil
}

// Fetch streams remotePath into w. Read failures are connectivity errors; write
// failures belong to the local side and are returned as is.
func (s *FTPSource) Fetch(_ context.Context, remotePath string, w io.Writer) error {
	if s.conn == nil {
		return Connectivity("retr", errors.New("not connected"))
	}
	r, err := s.conn.Retr(remotePath)
	if err != nil {
		return Connectivity("retr "+remotePath, err)
	}
	lw := &localWriter{w: w}
	_, copyErr := io.Copy(lw, r)
	closeErr := r.Close()
	if lw.err != nil {
		return fmt.Errorf("write %s: %w", remotePath, lw.err)
	}
	if copyErr != nil {
		return Connectivity("retr "+remotePath, copyErr)
	}
	if closeErr != nil {
		return Connectivity("retr "+remotePath, closeErr)
	}
	return nil
}

func (s *FTPSource) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}

type localWriter struct {
	w   io.Writer
	err error
}

func (l *localWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if err != nil {
		l.err = err
	}
	return n, err
}

func listTarget(subdir string) string {
	if subdir == "" {
		return "."
	}
	return subdir
}

func joinRemote(subdir, name string) string {
	if subdir == "" {
		return name
	}
	return path.Join(subdir, name)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
