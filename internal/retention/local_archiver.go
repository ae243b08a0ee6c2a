package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/pkg/models"
)

// LocalArchiver writes expired trace sessions as one JSONL file per sweep.
//
// Layout:
//
//	{basePath}/traces_2026-02-20T15-04-05Z.jsonl[.gz]
type LocalArchiver struct {
	basePath string
	compress bool
}

// NewLocalArchiver creates a file-based archiver.
func NewLocalArchiver(basePath string, compress bool) *LocalArchiver {
	return &LocalArchiver{basePath: basePath, compress: compress}
}

// Archive writes sessions and returns the archive path.
func (a *LocalArchiver) Archive(_ context.Context, sessions []models.TraceSession) (path string, err error) {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := "traces_" + time.Now().UTC().Format("2006-01-02T15-04-05.000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(a.basePath, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
		if err != nil {
			os.Remove(fpath)
		}
	}()

	var w io.Writer = f
	if a.compress {
		gw := gzip.NewWriter(f)
		defer func() {
			if cerr := gw.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("flush archive: %w", cerr)
			}
		}()
		w = gw
	}

	enc := json.NewEncoder(w)
	for _, s := range sessions {
		if err := enc.Encode(s); err != nil {
			return "", fmt.Errorf("encode trace %s: %w", s.SessionID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(sessions)).
		Msg("Archived trace sessions")
	return fpath, nil
}
