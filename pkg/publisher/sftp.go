package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Logger is the subset of slog used by publishers.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// SFTPOptions configure a web root reachable over SSH.
type SFTPOptions struct {
	Addr        string
	User        string
	Password    string
	KeyPath     string
	Root        string
	SiteBaseURL string
	// Timeout bounds a single remote operation. Zero means 30s.
	Timeout time.Duration
}

const defaultSFTPTimeout = 30 * time.Second

// Connector opens an SFTP session. The returned func releases it.
type Connector func(ctx context.Context) (*sftp.Client, func() error, error)

// SFTP publishes each app into <root>/<name>/ on a host whose web server
// serves that directory. Hosting is always on and there are no commits.
type SFTP struct {
	root     string
	siteBase string
	owner    string
	timeout  time.Duration
	connect  Connector
	logger   Logger

	mu   sync.Mutex
	sess *sftpSession
}

type sftpSession struct {
	client  *sftp.Client
	release func() error
	once    sync.Once
	err     error
}

func (ss *sftpSession) close() error {
	ss.once.Do(func() { ss.err = ss.release() })
	return ss.err
}

// NewSFTP builds a publisher that dials opts.Addr over SSH on first use.
func NewSFTP(opts SFTPOptions, logger Logger) *SFTP {
	return NewSFTPWithConnector(opts, sshConnector(opts), logger)
}

// NewSFTPWithConnector uses connect instead of dialing SSH itself.
func NewSFTPWithConnector(opts SFTPOptions, connect Connector, logger Logger) *SFTP {
	root := opts.Root
	if root == "" {
		root = "/"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSFTPTimeout
	}
	return &SFTP{
		root:     path.Clean(root),
		siteBase: strings.TrimSuffix(opts.SiteBaseURL, "/"),
		owner:    opts.User,
		timeout:  timeout,
		connect:  connect,
		logger:   logger,
	}
}

func sshConnector(opts SFTPOptions) Connector {
	return func(ctx context.Context) (*sftp.Client, func() error, error) {
		auth, err := buildAuthMethods(opts)
		if err != nil {
			return nil, nil, err
		}
		config := &ssh.ClientConfig{
			User:            opts.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         defaultSFTPTimeout,
		}
		var dialer net.Dialer
		raw, err := dialer.DialContext(ctx, "tcp", opts.Addr)
		if err != nil {
			return nil, nil, fmt.Errorf("ssh dial failed: %w", err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = raw.SetDeadline(deadline)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(raw, opts.Addr, config)
		if err != nil {
			raw.Close()
			return nil, nil, fmt.Errorf("ssh handshake failed: %w", err)
		}
		_ = raw.SetDeadline(time.Time{})
		conn := ssh.NewClient(sshConn, chans, reqs)
		client, err := sftp.NewClient(conn)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("start sftp: %w", err)
		}
		return client, func() error {
			client.Close()
			return conn.Close()
		}, nil
	}
}

func buildAuthMethods(opts SFTPOptions) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if keyPath := strings.TrimSpace(opts.KeyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(opts.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			return signer, nil
		}
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// withClient runs fn on the shared session, reconnecting once if the
// session has gone away. Each call is bounded by ctx and the operation
// timeout; when either fires the session is closed so fn unblocks and the
// next call dials again.
func (s *SFTP) withClient(ctx context.Context, fn func(c *sftp.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		sess, err := s.session(ctx)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() { done <- fn(sess.client) }()

		select {
		case err = <-done:
		case <-ctx.Done():
			s.logger.Info("sftp operation abandoned, dropping session", "error", ctx.Err())
			s.drop(sess)
			return fmt.Errorf("sftp operation: %w", ctx.Err())
		}
		if attempt > 0 || !isConnectionError(err) {
			return err
		}
		s.logger.Info("sftp session lost, reconnecting", "error", err)
		s.drop(sess)
	}
}

// session returns the shared session, dialing one if needed.
func (s *SFTP) session(ctx context.Context) (*sftpSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		client, release, err := s.connect(ctx)
		if err != nil {
			return nil, err
		}
		s.sess = &sftpSession{client: client, release: release}
	}
	return s.sess, nil
}

// drop closes sess and forgets it if it is still the shared one.
func (s *SFTP) drop(sess *sftpSession) {
	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
	if err := sess.close(); err != nil {
		s.logger.Error("sftp session close failed", "error", err)
	}
}

func isConnectionError(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, io.EOF)
}

// Close releases the SFTP session.
func (s *SFTP) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.close()
}

func (s *SFTP) repoDir(name string) string {
	return path.Join(s.root, name)
}

func (s *SFTP) repo(name string) Repo {
	r := Repo{Name: name, Owner: s.owner}
	r.HTMLURL = s.SiteURL(r)
	return r
}

func (s *SFTP) LookupRepo(ctx context.Context, name string) (Repo, error) {
	err := s.withClient(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(s.repoDir(name))
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fs.ErrNotExist
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return Repo{}, ErrRepoNotFound
	}
	if err != nil {
		return Repo{}, fmt.Errorf("lookup %s: %w", name, err)
	}
	return s.repo(name), nil
}

func (s *SFTP) CreateOrGetRepo(ctx context.Context, name, _ string) (Repo, error) {
	err := s.withClient(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(s.repoDir(name))
	})
	if err != nil {
		return Repo{}, fmt.Errorf("create %s: %w", name, err)
	}
	return s.repo(name), nil
}

func (s *SFTP) WriteTextFile(ctx context.Context, repo Repo, p, content, message string) error {
	return s.WriteBinaryFile(ctx, repo, p, []byte(content), message)
}

func (s *SFTP) WriteBinaryFile(ctx context.Context, repo Repo, p string, data []byte, _ string) error {
	remotePath := path.Join(s.repoDir(repo.Name), p)
	err := s.withClient(ctx, func(c *sftp.Client) error {
		return pushFile(c, remotePath, data, 0o644)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func pushFile(c *sftp.Client, remotePath string, data []byte, perm os.FileMode) error {
	if err := c.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}
	file, err := c.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func (s *SFTP) EnableStaticHosting(context.Context, Repo) (bool, error) {
	return true, nil
}

func (s *SFTP) LatestCommitID(context.Context, Repo) (string, error) {
	return "", ErrNoCommits
}

func (s *SFTP) FileContent(ctx context.Context, repo Repo, p string) (string, error) {
	var content []byte
	err := s.withClient(ctx, func(c *sftp.Client) error {
		f, err := c.Open(path.Join(s.repoDir(repo.Name), p))
		if err != nil {
			return err
		}
		defer f.Close()
		content, err = io.ReadAll(f)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return string(content), nil
}

func (s *SFTP) SiteURL(repo Repo) string {
	return fmt.Sprintf("%s/%s/", s.siteBase, repo.Name)
}
