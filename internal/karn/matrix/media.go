package matrix

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/karn/common/retry"
	"github.com/bdobrica/karn/internal/karn/tools"
)

// maxImageBytes bounds images fetched for the model or re-uploaded.
const maxImageBytes = 8 << 20

var errImageTooLarge = errors.New("matrix: image too large")

// PostImage uploads img to the media repository and sends it as m.image.
// URL images are downloaded first so the room does not depend on the
// source staying up.
func (c *Client) PostImage(ctx context.Context, roomID string, img tools.Image) error {
	data, mime := img.Data, img.MimeType
	if len(data) == 0 {
		if img.URL == "" {
			return errors.New("matrix: image has neither data nor url")
		}
		var err error
		data, mime, err = c.fetch(ctx, img.URL)
		if err != nil {
			return fmt.Errorf("fetch image: %w", err)
		}
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	up, err := c.mxc.UploadBytes(ctx, data, mime)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	name := img.Name
	if name == "" {
		name = "image"
	}
	body := name
	if img.Caption != "" {
		body = img.Caption
	}
	content := &event.MessageEventContent{
		MsgType:  event.MsgImage,
		Body:     body,
		FileName: name,
		URL:      up.ContentURI.CUString(),
		Info:     &event.FileInfo{MimeType: mime, Size: len(data)},
	}
	return c.send(ctx, roomID, content)
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, string, error) {
	var (
		data []byte
		mime string
	)
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			err := fmt.Errorf("http %d", resp.StatusCode)
			if resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return err
		}
		if len(data) > maxImageBytes {
			return retry.Permanent(errImageTooLarge)
		}
		mime = resp.Header.Get("Content-Type")
		return nil
	})
	return data, mime, err
}

// imageURL returns a data URL for an m.image so the model can see it
// without access to the homeserver's authenticated media.
func (c *Client) imageURL(ctx context.Context, content *event.MessageEventContent) (string, error) {
	if content.URL == "" {
		return "", errors.New("matrix: encrypted or missing media")
	}
	if u, ok := c.media.get(string(content.URL)); ok {
		return u, nil
	}
	if content.Info != nil && content.Info.Size > maxImageBytes {
		return "", errImageTooLarge
	}
	uri, err := content.URL.Parse()
	if err != nil {
		return "", fmt.Errorf("parse media uri: %w", err)
	}
	data, err := c.mxc.DownloadBytes(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", errImageTooLarge
	}
	mime := ""
	if content.Info != nil {
		mime = content.Info.MimeType
	}
	u := dataURL(data, mime)
	c.media.put(string(content.URL), u)
	return u, nil
}

func dataURL(data []byte, mime string) string {
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// mediaCache keeps recent data URLs so history rebuilds do not download the
// same image every turn. It is cleared wholesale when full.
type mediaCache struct {
	mu    sync.Mutex
	max   int
	items map[string]string
}

func newMediaCache(max int) *mediaCache {
	return &mediaCache{max: max, items: make(map[string]string)}
}

func (m *mediaCache) get(k string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[k]
	return v, ok
}

func (m *mediaCache) put(k, v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) >= m.max {
		m.items = make(map[string]string)
	}
	m.items[k] = v
}
