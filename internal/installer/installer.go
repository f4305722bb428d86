package installer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/macfleet/priv-bootstrap/internal/logger"
	"github.com/macfleet/priv-bootstrap/internal/sysexec"
)

const (
	// installerTool is the macOS package installer.
	installerTool = "/usr/sbin/installer"
	// pkgutilTool performs the informational signature check.
	pkgutilTool = "/usr/sbin/pkgutil"
	// defaultsTool reads the installed app's bundle metadata.
	defaultsTool = "/usr/bin/defaults"

	// appInfoPlist locates the installed Privileges app bundle metadata.
	appInfoPlist = "/Applications/Privileges.app/Contents/Info"
	// bundleVersionKey is the bundle key holding the short version string.
	bundleVersionKey = "CFBundleShortVersionString"

	// installTarget is the volume packages are installed onto.
	installTarget = "/"
)

// ErrInstallerFailed reports a non-zero exit from the OS package installer.
var ErrInstallerFailed = errors.New("package installer failed")

// Installer invokes the OS package installer and queries installed versions.
type Installer struct {
	runner sysexec.Runner
}

// New creates an Installer. A nil runner defaults to executing real commands.
func New(runner sysexec.Runner) *Installer {
	if runner == nil {
		runner = sysexec.ExecRunner{}
	}

	return &Installer{runner: runner}
}

// Install installs a verified package onto the root volume. The caller is
// responsible for only passing paths produced by a verified fetch.
func (i *Installer) Install(ctx context.Context, pkgPath string) error {
	logger.InfoKV(ctx, "Installing package", "path", pkgPath)

	output, err := i.runner.Run(ctx, installerTool, "-pkg", pkgPath, "-target", installTarget)
	if err != nil {
		return fmt.Errorf("%w: exit status %d: %s",
			ErrInstallerFailed, sysexec.ExitCode(err), strings.TrimSpace(string(output)))
	}

	return nil
}

// InstalledVersion returns the short version of the installed Privileges app,
// or an empty string when the app is not present. A missing app is a normal
// first-install situation, not an error.
func (i *Installer) InstalledVersion(ctx context.Context) string {
	output, err := i.runner.Run(ctx, defaultsTool, "read", appInfoPlist, bundleVersionKey)
	if err != nil {
		logger.Debugf(ctx, "No installed version detected: %v", err)
		return ""
	}

	return strings.TrimSpace(string(output))
}

// CheckSignature runs the Gatekeeper signature check on the package and logs
// the result. The check is informational: digest verification already
// happened, so a failure here is surfaced as a warning by the caller.
func (i *Installer) CheckSignature(ctx context.Context, pkgPath string) error {
	output, err := i.runner.Run(ctx, pkgutilTool, "--check-signature", pkgPath)
	if err != nil {
		return fmt.Errorf("check package signature: %w", err)
	}

	logger.Debugf(ctx, "Package signature: %s", strings.TrimSpace(string(output)))

	return nil
}

// CompareVersions compares two dotted version strings segment by segment.
// It returns -1, 0 or 1 when a sorts before, equal to or after b.
// Numeric segments compare numerically, anything else lexically.
func CompareVersions(a, b string) int {
	aParts := strings.Split(strings.TrimSpace(a), ".")
	bParts := strings.Split(strings.TrimSpace(b), ".")

	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		aPart, bPart := "0", "0"
		if i < len(aParts) {
			aPart = aParts[i]
		}

		if i < len(bParts) {
			bPart = bParts[i]
		}

		if aPart == bPart {
			continue
		}

		aNum, aErr := strconv.Atoi(aPart)
		bNum, bErr := strconv.Atoi(bPart)

		if aErr == nil && bErr == nil {
			if aNum < bNum {
				return -1
			}

			if aNum > bNum {
				return 1
			}

			continue
		}

		if aPart < bPart {
			return -1
		}

		return 1
	}

	return 0
}
