// Package ratelimit implements the fleet-shared provider rate-limit
// register: one JSON file that any runner may write when it detects a
// provider refusal, and every runner consults before claiming work.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Flag records that a provider is unavailable until ResetTime.
type Flag struct {
	Provider  string    `json:"provider"`
	ResetTime time.Time `json:"reset_time"`
	SetBy     string    `json:"set_by"`
	SetAt     time.Time `json:"set_at"`
}

// Register is a single-record filesystem artifact shared by all runner
// processes on the host. Writes are atomic (tempfile + fsync + rename);
// expired entries are lazily deleted by any reader.
type Register struct {
	path string
}

// New returns a Register backed by the given file path.
func New(path string) *Register {
	return &Register{path: path}
}

// Set marks provider as rate-limited until reset, recording who observed it.
func (r *Register) Set(provider string, reset time.Time, setBy string) error {
	flag := Flag{
		Provider:  provider,
		ResetTime: reset.UTC(),
		SetBy:     setBy,
		SetAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(flag, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rate-limit flag: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("creating register directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".rate_limit-*")
	if err != nil {
		return fmt.Errorf("creating temp register file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing rate-limit flag: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing rate-limit flag: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing rate-limit flag: %w", err)
	}
	slog.Info("rate-limit register set",
		"provider", provider, "reset_time", flag.ResetTime, "set_by", setBy)
	return nil
}

// Get returns the current flag, or nil when no provider is limited.
// A flag whose reset time has passed is treated as absent and deleted.
func (r *Register) Get() (*Flag, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rate-limit register: %w", err)
	}

	var flag Flag
	if err := json.Unmarshal(data, &flag); err != nil {
		// A torn or corrupt file cannot be trusted; drop it.
		slog.Warn("rate-limit register unreadable, clearing", "error", err)
		r.Clear()
		return nil, nil
	}

	if !flag.ResetTime.After(time.Now()) {
		r.Clear()
		return nil, nil
	}
	return &flag, nil
}

// Clear removes the register file. Missing files are not an error.
func (r *Register) Clear() {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to clear rate-limit register", "path", r.path, "error", err)
	}
}
