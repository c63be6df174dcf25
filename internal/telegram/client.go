package telegram

import (
	"context"
	"io"
	"net/http"
	"path"
	"time"
)

// timeoutClient applies a per-method deadline to Bot API requests: uploads
// get the media timeout, everything else the text timeout.
type timeoutClient struct {
	client *http.Client
	media  time.Duration
	text   time.Duration
}

var mediaMethods = map[string]bool{
	"sendPhoto":     true,
	"sendVideo":     true,
	"sendDocument":  true,
	"sendAnimation": true,
}

func (c *timeoutClient) Do(req *http.Request) (*http.Response, error) {
	timeout := c.text
	if mediaMethods[path.Base(req.URL.Path)] {
		timeout = c.media
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context once the body is consumed
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
