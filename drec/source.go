package drec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrConnectivity marks transport failures that the session retries.
	ErrConnectivity = errors.New("connectivity error")
	// ErrProtocolUnsupported is returned by NewSource for protocols without a client.
	ErrProtocolUnsupported = errors.New("protocol not supported")
)

// RemoteEntry is one file as reported by a device listing.
// Path always uses forward slashes.
type RemoteEntry struct {
	Path      string
	Size      uint64
	Timestamp float64 // seconds since epoch
}

func (e RemoteEntry) Base() string {
	return path.Base(e.Path)
}

// Stem is the basename without its extension.
func (e RemoteEntry) Stem() string {
	base := e.Base()
	return strings.TrimSuffix(base, path.Ext(base))
}

func (e RemoteEntry) Ext() string {
	return strings.ToLower(path.Ext(e.Path))
}

func (e RemoteEntry) ModTime() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// RemoteFileSource is a per-device protocol client.
type RemoteFileSource interface {
	Connect(ctx context.Context, address string, port int, timeout time.Duration) error
	IsConnected(ctx context.Context) bool
	ListDirectory(ctx context.Context, subdir string, deviceTZ *time.Location) ([]RemoteEntry, error)
	Fetch(ctx context.Context, remotePath string, w io.Writer) error
	Close() error
}

type connectivityError struct {
	op  string
	err error
}

func (e *connectivityError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *connectivityError) Unwrap() []error {
	return []error{ErrConnectivity, e.err}
}

// Connectivity wraps err so that errors.Is(err, ErrConnectivity) holds.
func Connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	return &connectivityError{op: op, err: err}
}

// NewSource builds the protocol client selected by dev.Protocol.
func NewSource(dev DeviceConfig) (RemoteFileSource, error) {
	switch dev.Protocol {
	case ProtocolFTP:
		return NewFTPSource(FTPOptions{
			User:     dev.User,
			Password: dev.Password,
			Location: dev.DeviceTZ,
		}), nil
	case ProtocolIEC61850:
		return nil, fmt.Errorf("%s: %w", dev.Protocol, ErrProtocolUnsupported)
	default:
		return nil, fmt.Errorf("%q: %w", dev.Protocol, ErrProtocolUnsupported)
	}
}
