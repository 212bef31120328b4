package data

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultBase = "https://data.binance.vision/data/futures/um/monthly/klines"

// FetchOptions controls the monthly kline archive downloader.
type FetchOptions struct {
	Base    string        // archive base URL, defaultBase when empty
	OutDir  string        // destination directory
	Workers int           // parallel downloads, default 4
	Timeout time.Duration // per-request timeout, default 45s
	Sleep   time.Duration // polite delay between requests per worker
}

// FetchResult describes one downloaded archive.
type FetchResult struct {
	Month  string
	Path   string
	SHA256 string
	Err    error
}

type fetchJob struct {
	url string
	dst string
}

// FetchMonthly downloads the monthly kline .zip archives for a symbol and
// interval covering [start, end] inclusive, months in yyyy-mm form.
// Archives already on disk are skipped. Downloads run on a small worker
// pool and each file is hashed so callers can record data provenance.
func FetchMonthly(ctx context.Context, symbol, interval, start, end string, opt FetchOptions) ([]FetchResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	t0, err := time.Parse("2006-01", start)
	if err != nil {
		return nil, fmt.Errorf("bad start month %q: %w", start, err)
	}
	t1, err := time.Parse("2006-01", end)
	if err != nil {
		return nil, fmt.Errorf("bad end month %q: %w", end, err)
	}
	if t1.Before(t0) {
		return nil, fmt.Errorf("end month before start month")
	}

	base := opt.Base
	if base == "" {
		base = defaultBase
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	outDir := opt.OutDir
	if outDir == "" {
		outDir = "."
	}

	var jobs []fetchJob
	for t := t0; !t.After(t1); t = t.AddDate(0, 1, 0) {
		name := fmt.Sprintf("%s-%s-%s.zip", symbol, interval, t.Format("2006-01"))
		jobs = append(jobs, fetchJob{
			url: fmt.Sprintf("%s/%s/%s/%s", base, symbol, interval, name),
			dst: filepath.Join(outDir, symbol, interval, name),
		})
	}

	client := &http.Client{Timeout: timeout}
	jobCh := make(chan fetchJob)
	out := make(chan FetchResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				out <- fetchOne(ctx, client, j)
				if opt.Sleep > 0 {
					time.Sleep(opt.Sleep)
				}
			}
		}()
	}

	go func() {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case <-ctx.Done():
				return
			case jobCh <- j:
			}
		}
	}()

	wg.Wait()
	close(out)

	var results []FetchResult
	for r := range out {
		results = append(results, r)
	}
	return results, ctx.Err()
}

func fetchOne(ctx context.Context, client *http.Client, j fetchJob) FetchResult {
	month := strings.TrimSuffix(filepath.Base(j.dst), ".zip")
	res := FetchResult{Month: month, Path: j.dst}

	if sum, err := hashFile(j.dst); err == nil {
		res.SHA256 = sum // already downloaded
		return res
	}

	if err := os.MkdirAll(filepath.Dir(j.dst), 0o755); err != nil {
		res.Err = err
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("GET %s: %s", j.url, resp.Status)
		return res
	}

	tmp := j.dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		res.Err = err
		return res
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		res.Err = err
		return res
	}
	if err := f.Close(); err != nil {
		res.Err = err
		return res
	}
	if err := os.Rename(tmp, j.dst); err != nil {
		res.Err = err
		return res
	}
	res.SHA256 = hex.EncodeToString(h.Sum(nil))
	return res
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
