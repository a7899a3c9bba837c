package deploy

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Artifact is a local agent binary ready to be copied to a host.
type Artifact struct {
	Target   string
	Version  string
	Path     string
	Checksum string
}

// Artifacts resolves the agent binary for a target and version.
type Artifacts interface {
	Resolve(ctx context.Context, target, version string) (*Artifact, error)
}

// ArtifactStore caches agent binaries under <cache>/<target>/<version>/.
// A miss is filled from a local dist directory laid out as
// <dist>/<target>/slarti-agent, or else downloaded from a release URL.
type ArtifactStore struct {
	cacheDir    string
	distDir     string
	urlTemplate string
	httpClient  *http.Client
	maxElapsed  time.Duration

	sf singleflight.Group
}

// ArtifactOption configures an ArtifactStore.
type ArtifactOption func(*ArtifactStore)

// WithDistDir makes the store copy binaries from a local build output.
func WithDistDir(dir string) ArtifactOption {
	return func(s *ArtifactStore) { s.distDir = dir }
}

// WithReleaseURL sets the download URL template. {version} and {target}
// are substituted; a URL ending in .tar.gz is unpacked.
func WithReleaseURL(tmpl string) ArtifactOption {
	return func(s *ArtifactStore) { s.urlTemplate = tmpl }
}

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) ArtifactOption {
	return func(s *ArtifactStore) { s.httpClient = c }
}

// WithRetryWindow bounds how long a failing download is retried.
func WithRetryWindow(d time.Duration) ArtifactOption {
	return func(s *ArtifactStore) { s.maxElapsed = d }
}

// NewArtifactStore returns a store caching under cacheDir.
func NewArtifactStore(cacheDir string, opts ...ArtifactOption) *ArtifactStore {
	s := &ArtifactStore{
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		maxElapsed: time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CachePath is where the binary for target and version is kept.
func (s *ArtifactStore) CachePath(target, version string) string {
	return filepath.Join(s.cacheDir, target, version, BinaryName)
}

// Resolve implements Artifacts. Concurrent calls for the same key share
// one fill; a caller that gives up does not cancel it for the others.
func (s *ArtifactStore) Resolve(ctx context.Context, target, version string) (*Artifact, error) {
	key := target + "/" + version
	fill := context.WithoutCancel(ctx)
	ch := s.sf.DoChan(key, func() (interface{}, error) {
		return s.resolve(fill, target, version)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		a := *res.Val.(*Artifact)
		return &a, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "resolve %s", key)
	}
}

func (s *ArtifactStore) resolve(ctx context.Context, target, version string) (*Artifact, error) {
	dest := s.CachePath(target, version)
	if _, err := os.Stat(dest); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := s.fill(ctx, target, version, dest); err != nil {
			return nil, err
		}
	}

	sum, err := utils.Blake3HashFileHex(dest)
	if err != nil {
		return nil, errors.Wrapf(err, "checksum %s", dest)
	}
	return &Artifact{Target: target, Version: version, Path: dest, Checksum: sum}, nil
}

func (s *ArtifactStore) fill(ctx context.Context, target, version, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "create artifact cache")
	}

	if s.distDir != "" {
		src := filepath.Join(s.distDir, target, BinaryName)
		if _, err := os.Stat(src); err == nil {
			logtrace.Debug(ctx, "caching agent from dist", logtrace.Fields{
				logtrace.FieldModule:    "deploy",
				logtrace.FieldLocalPath: src,
				logtrace.FieldTarget:    target,
			})
			return errors.Wrap(utils.CopyFile(src, dest, 0o755), "copy dist artifact")
		}
	}

	if s.urlTemplate == "" {
		return errors.Errorf("no agent %s for %s: not in cache or dist and no release URL configured", version, target)
	}
	url := strings.NewReplacer("{version}", version, "{target}", target).Replace(s.urlTemplate)
	return s.download(ctx, url, dest)
}

func (s *ArtifactStore) download(ctx context.Context, url, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.maxElapsed

	err = backoff.RetryNotify(func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		if err := tmp.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}
		return s.fetch(ctx, url, tmp)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logtrace.Warn(ctx, "retrying agent download", logtrace.Fields{
			logtrace.FieldModule: "deploy",
			logtrace.FieldError:  err.Error(),
			"url":                url,
			"wait":               wait.String(),
		})
	})
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if strings.HasSuffix(url, ".tar.gz") || strings.HasSuffix(url, ".tgz") {
		return errors.Wrap(utils.ExtractFromTarGz(tmpPath, BinaryName, dest), "unpack agent")
	}
	return errors.Wrap(utils.CopyFile(tmpPath, dest, 0o755), "store agent")
}

// fetch does one GET. Client errors are permanent; server errors and
// network failures are retried.
func (s *ArtifactStore) fetch(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", "slarti")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
