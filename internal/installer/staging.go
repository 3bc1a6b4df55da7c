package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// Status values written to an instance's marker file.
const (
	statusInstalling   = "installing"
	statusInstalled    = "installed"
	statusUninstalling = "uninstalling"
)

const (
	lockFile   = ".lock"
	statusFile = ".status"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func shortHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:8]
}

func sanitize(s string) string {
	s = strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "._")
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		s = "_"
	}
	return s
}

// instanceKey names the staging directory of instance id. Distinct ids never share a key.
func instanceKey(id string) string {
	return sanitize(id) + "-" + shortHash(id)
}

// rootName names an artifact root. A different tag or layout gets a different root, so
// a reinstall never writes over the installation it replaces.
func rootName(tag, asset string, spec Spec, binLocation string) string {
	return sanitize(tag) + "-" + shortHash(tag, asset, spec.Executable, spec.BinFolder, binLocation)
}

// lockInstance takes the cross-process lock of an instance directory, creating it if
// needed. The returned func releases the lock.
func lockInstance(ctx context.Context, dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("locking %s: lock not acquired", dir)
	}
	return func() { _ = fl.Unlock() }, nil
}

func writeStatus(dir, status, tag string) error {
	return atomic.WriteFile(filepath.Join(dir, statusFile), strings.NewReader(status+" "+tag+"\n"))
}

// readStatus returns the marker of an instance directory. A missing marker reads as
// empty values.
func readStatus(dir string) (status, tag string, err error) {
	b, err := os.ReadFile(filepath.Join(dir, statusFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", nil
	} else if err != nil {
		return "", "", err
	}
	status, tag, _ = strings.Cut(strings.TrimSpace(string(b)), " ")
	return status, tag, nil
}
