package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/postdispatch/internal/storage"
)

func DecodeWorkerCursor(cursorStr string) (*storage.WorkerCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	// "<created_at unix nanos>|<worker id>"
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.WorkerCursor{
		CreatedAt: time.Unix(0, createdAt),
		WorkerID:  parts[1],
	}, nil
}

func EncodeWorkerCursor(cursor *storage.WorkerCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.WorkerID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
