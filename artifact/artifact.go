// Package artifact writes the per-task plain-text result file. Writes are
// best-effort logging artifacts, not a durability guarantee, but they go
// through a temp file and rename so a crash mid-write cannot leave a
// truncated result.txt behind.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileName = "result.txt"
const sectionMarker = "----------------------------------------"

// Record carries everything that ends up in the artifact header and body.
type Record struct {
	TaskID    string
	Worker    string
	TaskType  string
	Model     string
	Enriched  bool
	Notified  bool
	Simulated bool
	Timestamp time.Time
	Prompt    string
	Response  string
}

// Path is a pure function of (root, taskType, taskID):
// {root}/{taskType}/{taskID}/result.txt. Identical inputs map to the same
// file, so a rewrite is last-write-wins by construction.
func Path(root, taskType, taskID string) string {
	return filepath.Join(root, taskType, taskID, fileName)
}

// Write renders the record and atomically replaces the artifact at
// Path(root, r.TaskType, r.TaskID). The parent directory is created if
// absent.
func Write(root string, r Record) (string, error) {
	path := Path(root, r.TaskType, r.TaskID)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create artifact temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(render(r)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename artifact into place: %w", err)
	}
	return path, nil
}

func render(r Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "task_id: %s\n", r.TaskID)
	fmt.Fprintf(&b, "worker: %s\n", r.Worker)
	fmt.Fprintf(&b, "timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "model: %s\n", r.Model)
	fmt.Fprintf(&b, "enriched: %t\n", r.Enriched)
	fmt.Fprintf(&b, "notified: %t\n", r.Notified)
	fmt.Fprintf(&b, "simulated: %t\n", r.Simulated)

	b.WriteString(sectionMarker + "\n")
	b.WriteString("PROMPT\n")
	b.WriteString(r.Prompt + "\n")

	b.WriteString(sectionMarker + "\n")
	b.WriteString("RESPONSE\n")
	b.WriteString(r.Response + "\n")

	return b.String()
}
