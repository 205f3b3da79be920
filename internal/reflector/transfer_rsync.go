package reflector

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/n5wspr/wsprcore/internal/config"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// rsyncTransferer is the default, spec-literal transfer backend: it shells
// out to rsync(1) over ssh, the same subprocess-plus-context.WithTimeout
// shape as cuemby-warren/pkg/health/exec.go's ExecChecker.
type rsyncTransferer struct{}

func (rsyncTransferer) Transfer(ctx context.Context, localPath string, dest config.Destination, bandwidthLimitKbps int) error {
	args := []string{"-a", "--timeout=30"}
	if bandwidthLimitKbps > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", bandwidthLimitKbps))
	}
	if dest.SSHKey != "" {
		args = append(args, "-e", fmt.Sprintf("ssh -i %s -o BatchMode=yes -o StrictHostKeyChecking=accept-new", dest.SSHKey))
	}
	remote := fmt.Sprintf("%s@%s:%s", dest.User, dest.Host, dest.Path)
	args = append(args, localPath, remote)

	cmd := exec.CommandContext(ctx, "rsync", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return wsprerr.MarkTransient(wsprerr.Wrapf(err, "rsync to %s failed: %s", dest.Name, stderr.String()))
	}
	return nil
}
