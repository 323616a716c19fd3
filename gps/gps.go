// Package gps obtains the GPS ephemeris or almanac file the RS92 decoder
// needs to resolve positions. RS92 sondes transmit raw pseudoranges, so the
// decode pipeline cannot start without one of the two files.
package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Source is a usable ephemeris or almanac file on disk. The two are passed
// to the decoder with different flags, so callers must know which they got.
type Source struct {
	Path    string
	Almanac bool
}

// Provider resolves a Source, or fails when neither file can be obtained.
type Provider interface {
	Fetch(ctx context.Context) (Source, error)
}

// FileProvider serves a fixed, operator-supplied file.
type FileProvider struct {
	Path    string
	Almanac bool
}

// Fetch verifies the configured file exists and returns it.
func (p FileProvider) Fetch(ctx context.Context) (Source, error) {
	if p.Path == "" {
		return Source{}, errors.New("gps: no ephemeris path configured")
	}
	if _, err := os.Stat(p.Path); err != nil {
		return Source{}, fmt.Errorf("gps: ephemeris file unavailable: %w", err)
	}
	return Source{Path: p.Path, Almanac: p.Almanac}, nil
}

// HTTPProvider downloads a current ephemeris, falling back to an almanac
// when the ephemeris source is unreachable. Files are written atomically so
// a partial download never masquerades as valid GPS data.
type HTTPProvider struct {
	EphemerisURL string
	AlmanacURL   string
	Dir          string
	Timeout      time.Duration
	Client       *http.Client
}

// Fetch tries the ephemeris URL first, then the almanac URL.
func (p HTTPProvider) Fetch(ctx context.Context) (Source, error) {
	if p.EphemerisURL == "" && p.AlmanacURL == "" {
		return Source{}, errors.New("gps: no ephemeris or almanac URL configured")
	}
	if p.EphemerisURL != "" {
		dest := filepath.Join(p.Dir, "ephemeris.dat")
		if err := p.download(ctx, p.EphemerisURL, dest); err == nil {
			return Source{Path: dest}, nil
		} else {
			log.Printf("GPS: ephemeris download failed, trying almanac: %v", err)
		}
	}
	if p.AlmanacURL != "" {
		dest := filepath.Join(p.Dir, "almanac.txt")
		if err := p.download(ctx, p.AlmanacURL, dest); err == nil {
			return Source{Path: dest, Almanac: true}, nil
		} else {
			log.Printf("GPS: almanac download failed: %v", err)
		}
	}
	return Source{}, errors.New("gps: could not obtain ephemeris or almanac data")
}

func (p HTTPProvider) download(ctx context.Context, url, dest string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("gps: build request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gps: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gps: fetch %s: unexpected status %s", url, resp.Status)
	}

	if dir := filepath.Dir(dest); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("gps: ensure dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp*")
	if err != nil {
		return fmt.Errorf("gps: create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("gps: write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("gps: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("gps: finalize %s: %w", dest, err)
	}
	return nil
}
