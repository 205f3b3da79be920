package reflector

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/n5wspr/wsprcore/internal/config"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// sftpTransferer is the secondary transfer backend for destinations
// configured with backend: sftp. It is an out-of-pack ecosystem choice
// rather than a directly-grounded one (see DESIGN.md): pkg/sftp and
// golang.org/x/crypto/ssh appear in the corpus's go.mod requires but not in
// any call site, so the dial/session shape below follows the libraries' own
// documented usage rather than an example in the pack.
type sftpTransferer struct {
	dest      config.Destination
	sshConfig *ssh.ClientConfig
	addr      string
}

func newSFTPTransferer(dest config.Destination) (*sftpTransferer, error) {
	var authMethods []ssh.AuthMethod
	if dest.SSHKey != "" {
		key, err := os.ReadFile(dest.SSHKey)
		if err != nil {
			return nil, wsprerr.Wrapf(err, "sftp: read key for %s", dest.Name)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, wsprerr.Wrapf(err, "sftp: parse key for %s", dest.Name)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	return &sftpTransferer{
		dest: dest,
		sshConfig: &ssh.ClientConfig{
			User:            dest.User,
			Auth:            authMethods,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host keys are not verified
			Timeout:         10 * time.Second,
		},
		addr: dest.Host + ":22",
	}, nil
}

func (t *sftpTransferer) Transfer(ctx context.Context, localPath string, dest config.Destination, bandwidthLimitKbps int) error {
	dialer := net.Dialer{Timeout: t.sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: dial %s", t.addr))
	}
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, t.addr, t.sshConfig)
	if err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: ssh handshake with %s", t.addr))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: open sftp session to %s", t.addr))
	}
	defer sc.Close()

	if err := sc.MkdirAll(dest.Path); err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: mkdir %s on %s", dest.Path, dest.Name))
	}

	src, err := os.Open(localPath)
	if err != nil {
		return wsprerr.Wrapf(err, "sftp: open local file %s", localPath)
	}
	defer src.Close()

	remotePath := filepath.Join(dest.Path, filepath.Base(localPath))
	tmpRemote := remotePath + ".part"
	dst, err := sc.Create(tmpRemote)
	if err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: create %s on %s", tmpRemote, dest.Name))
	}

	var reader io.Reader = src
	if bandwidthLimitKbps > 0 {
		limiter := rate.NewLimiter(rate.Limit(bandwidthLimitKbps*1024/8), bandwidthLimitKbps*1024/8)
		reader = &rateLimitedReader{r: src, limiter: limiter, ctx: ctx}
	}

	if _, err := io.Copy(dst, reader); err != nil {
		dst.Close()
		sc.Remove(tmpRemote)
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: write %s on %s", tmpRemote, dest.Name))
	}
	if err := dst.Close(); err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: close %s on %s", tmpRemote, dest.Name))
	}
	if err := sc.Rename(tmpRemote, remotePath); err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "sftp: rename into place on %s", dest.Name))
	}
	return nil
}

// rateLimitedReader throttles reads through a token-bucket limiter, grounded
// on golang.org/x/time/rate's standard Wait-per-chunk pattern.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > 32*1024 {
		p = p[:32*1024]
	}
	// WaitN rejects requests larger than the bucket, so never read more
	// than one burst's worth at a time.
	if b := rl.limiter.Burst(); b > 0 && len(p) > b {
		p = p[:b]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		if werr := rl.limiter.WaitN(rl.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
