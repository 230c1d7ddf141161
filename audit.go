package chatsesh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	auditLogName     = "auth_success.log"
	auditSnapshotDir = "auth_data"
)

// ProfileAuditor keeps a durable record of profiles returned by the identity provider.
type ProfileAuditor interface {
	RecordProfile(ctx context.Context, claims Claims) error
}

type NopAuditor struct{}

func (NopAuditor) RecordProfile(context.Context, Claims) error { return nil }

// FileAuditor appends a line per successful authorization to auth_success.log and writes
// each profile as a timestamped JSON snapshot under auth_data/.
type FileAuditor struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewFileAuditor(dir string, now func() time.Time) *FileAuditor {
	if now == nil {
		now = time.Now
	}
	return &FileAuditor{dir: dir, now: now}
}

func (a *FileAuditor) RecordProfile(ctx context.Context, claims Claims) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	sub := claims.Subject()
	if sub == "" {
		sub = "unknown"
	}

	if err := os.MkdirAll(filepath.Join(a.dir, auditSnapshotDir), 0o750); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(a.dir, auditLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	_, err = fmt.Fprintf(f, "%s - Successful authorization of user: %s\n", now.Format(time.RFC3339), sub)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	data, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", strings.ReplaceAll(sub, "|", "_"), now.Format("20060102_150405"))
	if err := os.WriteFile(filepath.Join(a.dir, auditSnapshotDir, name), data, 0o640); err != nil {
		return fmt.Errorf("write profile snapshot: %w", err)
	}
	return nil
}

var _ ProfileAuditor = (*FileAuditor)(nil)
