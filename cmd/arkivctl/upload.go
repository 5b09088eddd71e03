package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type openSessionResponse struct {
	SessionID   uuid.UUID `json:"sessionId"`
	Status      string    `json:"status"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
}

type sessionSnapshot struct {
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	ChunkSize     int64   `json:"chunkSize"`
	ReceivedBytes int64   `json:"receivedBytes"`
	Error         string  `json:"error"`
	Category      string  `json:"category"`
	ScanStatus    string  `json:"scanStatus"`
	ThroughputBps float64 `json:"throughputBps"`
}

func newUploadCmd() *cobra.Command {
	var chunkSize int64
	var noVerify bool

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload one file over a chunked session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return runUpload(cmd.Context(), c, args[0], chunkSize, !noVerify)
		},
	}
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "chunk size in bytes (0 = server default)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip whole-file hash verification")
	return cmd
}

func runUpload(ctx context.Context, c *client, path string, chunkSize int64, verify bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var expectedHash string
	if verify {
		if expectedHash, err = fileSHA256(path); err != nil {
			return err
		}
	}

	// The content hash doubles as the idempotency token: rerunning the
	// command resumes the existing session instead of opening a new one.
	var opened openSessionResponse
	err = c.postJSON(ctx, "/api/v1/uploads", map[string]any{
		"filename":     filepath.Base(path),
		"sizeBytes":    info.Size(),
		"chunkSize":    chunkSize,
		"expectedHash": expectedHash,
		"uploadToken":  expectedHash,
	}, &opened)
	if err != nil {
		return err
	}
	if opened.Status == "completed" {
		fmt.Printf("session %s already completed\n", opened.SessionID)
		return nil
	}
	fmt.Printf("session %s: %d chunks of up to %d bytes\n", opened.SessionID, opened.TotalChunks, opened.ChunkSize)

	bar := newBar(info.Size(), filepath.Base(path))
	if err := c.uploadChunks(ctx, opened.SessionID.String(), path, opened.ChunkSize, bar); err != nil {
		return err
	}

	// Assembly runs on the last chunk submission; poll briefly for the
	// terminal record.
	for {
		var snap sessionSnapshot
		if err := c.do(ctx, "GET", "/api/v1/uploads/"+opened.SessionID.String(), nil, "", &snap); err != nil {
			return err
		}
		switch snap.Status {
		case "completed":
			fmt.Printf("completed: scan=%s category=%q\n", snap.ScanStatus, snap.Category)
			return nil
		case "failed", "cancelled", "expired":
			return fmt.Errorf("upload %s: %s", snap.Status, snap.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
