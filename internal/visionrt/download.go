package visionrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// TrainingDataPath returns where the training data for language lives in dir.
func TrainingDataPath(dir, language string) string {
	return filepath.Join(dir, language+".traineddata")
}

// ensureTrainingData downloads <lang>.traineddata into dir unless a non-empty
// copy is already there. The file appears atomically under its final name.
func (r *Runtime) ensureTrainingData(ctx context.Context, dir string) error {
	dst := TrainingDataPath(dir, r.opts.Language)
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
		r.log.Debug("training data present", "path", dst, "size", humanize.IBytes(uint64(info.Size())))
		return nil
	}
	if r.opts.DownloadURL == "" {
		return fmt.Errorf("training data %s not found and downloading is disabled", dst)
	}

	url := r.opts.DownloadURL
	if strings.Contains(url, "%s") {
		url = fmt.Sprintf(url, r.opts.Language)
	}
	r.log.Info("downloading training data", "url", url, "path", dst)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch training data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch training data: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(dir, r.opts.Language+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	pw := &progressWriter{total: resp.ContentLength, report: r.progress}
	n, err := io.Copy(io.MultiWriter(tmp, pw), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write training data: %w", err)
	}
	if n == 0 {
		return errors.New("training data download was empty")
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("training data truncated: got %s of %s",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(resp.ContentLength)))
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to install training data: %w", err)
	}
	r.log.Info("training data installed", "path", dst, "size", humanize.IBytes(uint64(n)))
	return nil
}

// progressWriter maps downloaded bytes onto 0..downloadShare percent.
type progressWriter struct {
	total   int64
	written int64
	report  func(pct int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		pct := int(p.written * downloadShare / p.total)
		if pct > downloadShare {
			pct = downloadShare
		}
		p.report(pct)
	}
	return len(b), nil
}
