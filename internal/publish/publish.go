// Package publish signs a built artifact and hard-links it into the
// repository's destination (or staging) directory, grounded on the
// teacher's pkg/sign package: the RSA-digest signing call shape from
// apk_test.go's APK/RSAVerifyDigest pairing, adapted to sign our own
// artifacts rather than verify apk packages.
package publish

import (
	"crypto"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"chainguard.dev/apko/pkg/apk/signature"

	"github.com/archlinuxcn/lilac-bot/internal/buildworker"
)

// Publisher signs and installs built artifacts.
type Publisher struct {
	PrivateKeyPath string
	DestDir        string
	StagingDir     string
}

// New returns a Publisher using privateKeyPath for signing.
func New(privateKeyPath, destDir, stagingDir string) *Publisher {
	return &Publisher{PrivateKeyPath: privateKeyPath, DestDir: destDir, StagingDir: stagingDir}
}

// Sign computes a detached RSA signature over the artifact file and
// writes it as a "<name>.sig" sidecar next to it.
func (p *Publisher) Sign(artifactPath string) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", artifactPath, err)
	}
	digest := sha256.Sum256(data)

	keyPEM, err := os.ReadFile(p.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading signing key %s: %w", p.PrivateKeyPath, err)
	}

	sig, err := signature.RSASignDigest(digest[:], crypto.SHA256, keyPEM)
	if err != nil {
		return fmt.Errorf("signing %s: %w", artifactPath, err)
	}

	sigPath := artifactPath + ".sig"
	if err := os.WriteFile(sigPath, sig, 0o644); err != nil {
		return fmt.Errorf("writing signature %s: %w", sigPath, err)
	}
	return nil
}

// Install hard-links artifact (and its .sig sidecar, if present) into
// the destination directory, or the staging directory when staging is
// true (a recipe marked "staging: true"). A pre-existing
// hard link to the identical file is not an error — it means a previous
// run already installed this exact artifact.
func (p *Publisher) Install(a buildworker.Artifact, artifactPath string, staging bool) error {
	dir := p.DestDir
	if staging {
		dir = p.StagingDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	if err := linkInto(artifactPath, dir); err != nil {
		return err
	}
	sigPath := artifactPath + ".sig"
	if _, err := os.Stat(sigPath); err == nil {
		if err := linkInto(sigPath, dir); err != nil {
			return err
		}
	}
	return nil
}

func linkInto(srcPath, dir string) error {
	dst := filepath.Join(dir, filepath.Base(srcPath))
	if err := os.Link(srcPath, dst); err != nil {
		if os.IsExist(err) {
			if sameFile(srcPath, dst) {
				return nil
			}
			return fmt.Errorf("link target %s already exists with different content", dst)
		}
		return fmt.Errorf("linking %s into %s: %w", srcPath, dir, err)
	}
	return nil
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}
