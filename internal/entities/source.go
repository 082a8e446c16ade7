package entities

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

const ftpTimeout = 30 * time.Second

// Open returns the contents of an entity list. Locations starting with
// ftp:// are downloaded, anything else is a local path.
func Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, "ftp://") {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open entity list: %w", err)
		}
		return f, nil
	}

	target, err := parseFTP(location)
	if err != nil {
		return nil, err
	}
	body, err := fetchFTP(ctx, target)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type ftpTarget struct {
	Addr     string
	User     string
	Password string
	Path     string
}

func parseFTP(location string) (ftpTarget, error) {
	u, err := url.Parse(location)
	if err != nil {
		return ftpTarget{}, fmt.Errorf("parse ftp url: %w", err)
	}
	if u.Hostname() == "" || u.Path == "" || u.Path == "/" {
		return ftpTarget{}, fmt.Errorf("ftp url %q needs a host and a file path", location)
	}
	port := u.Port()
	if port == "" {
		port = "21"
	}
	t := ftpTarget{
		Addr:     net.JoinHostPort(u.Hostname(), port),
		User:     "anonymous",
		Password: "anonymous",
		Path:     u.Path,
	}
	if u.User != nil {
		t.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			t.Password = p
		}
	}
	return t, nil
}

func fetchFTP(ctx context.Context, t ftpTarget) ([]byte, error) {
	conn, err := ftp.Dial(t.Addr, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(t.User, t.Password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(t.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
