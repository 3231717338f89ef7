package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
)

// FTPConfig addresses an FTP directory.
type FTPConfig struct {
	Address      string // host:port
	Path         string
	Username     string
	Password     string
	PollInterval time.Duration
	Timeout      time.Duration
}

// ParseFTPLocation splits "ftp://host[:port]/path" or "host[:port]/path" into an address and a path.
func ParseFTPLocation(location string) (FTPConfig, error) {
	raw := strings.TrimSpace(location)
	if !strings.Contains(raw, "://") {
		raw = "ftp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return FTPConfig{}, fmt.Errorf("invalid ftp location %q: %w", location, err)
	}
	if u.Hostname() == "" {
		return FTPConfig{}, fmt.Errorf("invalid ftp location %q: missing host", location)
	}
	port := u.Port()
	if port == "" {
		port = "21"
	}
	cfg := FTPConfig{
		Address: net.JoinHostPort(u.Hostname(), port),
		Path:    u.Path,
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg, nil
}

// ftpClient is the part of an FTP connection the source uses.
type ftpClient interface {
	List(path string) ([]*ftp.Entry, error)
	Fetch(path string) ([]byte, error)
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Fetch(p string) ([]byte, error) {
	resp, err := c.Retr(p)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

// FTP polls a remote directory and emits each regular file once per topology lifetime.
type FTP struct {
	cfg    FTPConfig
	dial   func(ctx context.Context) (ftpClient, error)
	logger *zap.Logger
	seen   map[string]struct{}
}

// NewFTP creates an FTP source.
func NewFTP(cfg FTPConfig, logger *zap.Logger) *FTP {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FTP{
		cfg:    cfg,
		logger: logger.With(zap.String("address", cfg.Address), zap.String("path", cfg.Path)),
		seen:   make(map[string]struct{}),
	}
	f.dial = f.connect
	return f
}

func (f *FTP) connect(ctx context.Context) (ftpClient, error) {
	conn, err := ftp.Dial(f.cfg.Address, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	user, pass := f.cfg.Username, f.cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return serverConn{conn}, nil
}

// Run polls until ctx is done. Poll failures are logged and retried on the next tick.
func (f *FTP) Run(ctx context.Context, emit EmitFunc) error {
	for {
		if err := f.poll(ctx, emit); err != nil {
			f.logger.Warn("FTP poll failed", zap.Error(err))
		}
		if !sleep(ctx, f.cfg.PollInterval) {
			return nil
		}
	}
}

func (f *FTP) poll(ctx context.Context, emit EmitFunc) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	entries, err := conn.List(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("ftp list: %w", err)
	}
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		remote := path.Join(f.cfg.Path, e.Name)
		if _, ok := f.seen[remote]; ok {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		f.seen[remote] = struct{}{}

		item := Item{
			Key:  remote,
			Name: e.Name,
			Headers: map[string]string{
				HeaderFileName: e.Name,
				HeaderSource:   "FTP",
				HeaderSize:     strconv.FormatUint(e.Size, 10),
			},
			Load: func(context.Context) ([]byte, error) {
				return conn.Fetch(remote)
			},
		}
		if err := emit(ctx, item); err != nil {
			f.logger.Warn("FTP file failed processing", zap.String("file", remote), zap.Error(err))
		}
	}
	return nil
}
