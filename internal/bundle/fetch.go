package bundle

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher downloads bundle resources from the configured base URL on
// cache misses.
type Fetcher struct {
	base   string
	client *http.Client
}

func NewFetcher(base string) *Fetcher {
	return &Fetcher{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *Fetcher) Fetch(name string) ([]byte, error) {
	url := f.base + "/" + name
	resp, err := f.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
