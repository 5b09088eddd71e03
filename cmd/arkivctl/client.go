package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/schollz/progressbar/v3"
)

// client is a thin JSON client over the service API.
type client struct {
	base   string
	apiKey string
	tenant string
	http   http.Client
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Tenant-Id", c.tenant)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, payload.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/json", out)
}

// putChunk submits one chunk with its checksum header.
func (c *client) putChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	sum := sha256.Sum256(data)
	path := fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", sessionID, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Tenant-Id", c.tenant)
	req.Header.Set("X-Chunk-Checksum", hex.EncodeToString(sum[:]))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			return fmt.Errorf("chunk %d: %s (%d)", index, payload.Error, resp.StatusCode)
		}
		return fmt.Errorf("chunk %d: status %d", index, resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// uploadChunks streams a whole file into an open session chunk by chunk.
func (c *client) uploadChunks(ctx context.Context, sessionID, path string, chunkSize int64, bar *progressbar.ProgressBar) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, chunkSize)
	for index := 0; ; index++ {
		n, err := io.ReadFull(file, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if putErr := c.putChunk(ctx, sessionID, index, buf[:n]); putErr != nil {
			return putErr
		}
		if bar != nil {
			bar.Add(n)
		}
		if err == io.ErrUnexpectedEOF {
			return nil
		}
	}
}

// fileSHA256 hashes a file so the server can verify the assembled result.
func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func newBar(total int64, label string) *progressbar.ProgressBar {
	return progressbar.DefaultBytes(total, label)
}
