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

type batchFile struct {
	Name         string     `json:"name"`
	ResolvedName string     `json:"resolvedName"`
	State        string     `json:"state"`
	SessionID    *uuid.UUID `json:"sessionId"`
	Error        string     `json:"error"`
}

type batchRecord struct {
	ID             uuid.UUID   `json:"id"`
	Status         string      `json:"status"`
	Files          []batchFile `json:"files"`
	FilesCompleted int         `json:"filesCompleted"`
	FilesFailed    int         `json:"filesFailed"`
	FilesSkipped   int         `json:"filesSkipped"`
}

func newBatchCmd() *cobra.Command {
	var policy string
	var limit int
	var priority int
	var withHashes bool

	cmd := &cobra.Command{
		Use:   "batch FILE...",
		Short: "Upload a group of files as one tracked batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), c, args, policy, limit, priority, withHashes)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "rename", "duplicate policy: skip|overwrite|rename|fail")
	cmd.Flags().IntVar(&limit, "limit", 3, "max files uploading at once")
	cmd.Flags().IntVar(&priority, "priority", 0, "batch priority")
	cmd.Flags().BoolVar(&withHashes, "hashes", true, "declare content hashes for duplicate detection")
	return cmd
}

func runBatch(ctx context.Context, c *client, paths []string, policy string, limit, priority int, withHashes bool) error {
	type fileSpec struct {
		Name        string `json:"name"`
		SizeBytes   int64  `json:"sizeBytes"`
		ContentHash string `json:"contentHash,omitempty"`
	}

	byName := make(map[string]string, len(paths))
	specs := make([]fileSpec, 0, len(paths))
	var totalBytes int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		spec := fileSpec{Name: filepath.Base(path), SizeBytes: info.Size()}
		if withHashes {
			if spec.ContentHash, err = fileSHA256(path); err != nil {
				return err
			}
		}
		byName[spec.Name] = path
		specs = append(specs, spec)
		totalBytes += info.Size()
	}

	var b batchRecord
	err := c.postJSON(ctx, "/api/v1/batches", map[string]any{
		"files":            specs,
		"duplicatePolicy":  policy,
		"concurrencyLimit": limit,
		"priority":         priority,
	}, &b)
	if err != nil {
		return err
	}
	fmt.Printf("batch %s: %d files (%d bytes)\n", b.ID, len(specs), totalBytes)

	if err := c.postJSON(ctx, fmt.Sprintf("/api/v1/batches/%s/start", b.ID), map[string]any{"priority": priority}, &b); err != nil {
		return err
	}

	// Admission is server-driven: poll the manifest and push bytes into
	// whichever sessions are active until the batch settles.
	bar := newBar(totalBytes, "batch")
	uploaded := make(map[uuid.UUID]bool)
	for {
		for _, f := range b.Files {
			if f.State != "active" || f.SessionID == nil || uploaded[*f.SessionID] {
				continue
			}
			path, ok := byName[f.Name]
			if !ok {
				continue
			}
			uploaded[*f.SessionID] = true

			var snap sessionSnapshot
			if err := c.do(ctx, "GET", "/api/v1/uploads/"+f.SessionID.String(), nil, "", &snap); err != nil {
				return err
			}
			if err := c.uploadChunks(ctx, f.SessionID.String(), path, snap.ChunkSize, bar); err != nil {
				fmt.Fprintf(os.Stderr, "\n%s: %v\n", f.ResolvedName, err)
			}
		}

		switch b.Status {
		case "completed", "partially_completed", "failed", "cancelled":
			fmt.Printf("\nbatch %s: %d completed, %d failed, %d skipped\n",
				b.Status, b.FilesCompleted, b.FilesFailed, b.FilesSkipped)
			if b.Status == "failed" {
				return fmt.Errorf("batch failed")
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		if err := c.do(ctx, "GET", "/api/v1/batches/"+b.ID.String()+"/manifest", nil, "", &b); err != nil {
			return err
		}
	}
}
