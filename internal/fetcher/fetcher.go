package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for retrieving remote files.
type Fetcher interface {
	// Download fetches the URL and returns the body. The caller must close
	// the returned ReadCloser.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// List returns the file names under a remote directory URL.
	List(ctx context.Context, url string) ([]string, error)
}
