package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Consumer claims triggers from an outbox. Claiming is an atomic rename into
// a processing directory, so exactly one consumer wins each file; finished
// triggers move to a done directory, failures move back to pending.
type Consumer struct {
	outboxDir     string
	processingDir string
	doneDir       string
}

// NewConsumer returns a consumer over the outbox. Processing and done
// directories are siblings of the outbox.
func NewConsumer(outboxDir string) *Consumer {
	parent := filepath.Dir(outboxDir)
	return &Consumer{
		outboxDir:     outboxDir,
		processingDir: filepath.Join(parent, "processing"),
		doneDir:       filepath.Join(parent, "done"),
	}
}

// Pending lists trigger files waiting in the outbox, oldest first.
func (c *Consumer) Pending() ([]string, error) {
	entries, err := os.ReadDir(c.outboxDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Claim atomically moves one trigger file into the processing directory and
// decodes it. Returns false when another consumer claimed it first.
func (c *Consumer) Claim(name string) (Trigger, bool, error) {
	if err := os.MkdirAll(c.processingDir, 0o755); err != nil {
		return Trigger{}, false, fmt.Errorf("failed to create processing dir: %w", err)
	}
	src := filepath.Join(c.outboxDir, name)
	dst := filepath.Join(c.processingDir, name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return Trigger{}, false, nil
		}
		return Trigger{}, false, fmt.Errorf("failed to claim trigger %s: %w", name, err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		return Trigger{}, false, fmt.Errorf("failed to read claimed trigger %s: %w", name, err)
	}
	var t Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return Trigger{}, false, fmt.Errorf("failed to decode trigger %s: %w", name, err)
	}
	return t, true, nil
}

// Complete moves a claimed trigger to the done directory.
func (c *Consumer) Complete(name string) error {
	if err := os.MkdirAll(c.doneDir, 0o755); err != nil {
		return fmt.Errorf("failed to create done dir: %w", err)
	}
	if err := os.Rename(filepath.Join(c.processingDir, name), filepath.Join(c.doneDir, name)); err != nil {
		return fmt.Errorf("failed to complete trigger %s: %w", name, err)
	}
	return nil
}

// Release moves a claimed trigger back to the outbox for retry.
func (c *Consumer) Release(name string) error {
	if err := os.MkdirAll(c.outboxDir, 0o755); err != nil {
		return fmt.Errorf("failed to create outbox dir: %w", err)
	}
	if err := os.Rename(filepath.Join(c.processingDir, name), filepath.Join(c.outboxDir, name)); err != nil {
		return fmt.Errorf("failed to release trigger %s: %w", name, err)
	}
	return nil
}
