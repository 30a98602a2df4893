package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterRoundTrip(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "rate_limit.json"))

	flag, err := r.Get()
	if err != nil {
		t.Fatalf("get empty register: %v", err)
	}
	if flag != nil {
		t.Fatalf("empty register returned a flag: %+v", flag)
	}

	reset := time.Now().Add(45 * time.Minute).UTC().Truncate(time.Second)
	if err := r.Set("claude", reset, "builder-1"); err != nil {
		t.Fatalf("set: %v", err)
	}

	flag, err = r.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag == nil {
		t.Fatalf("flag not returned after set")
	}
	if flag.Provider != "claude" || flag.SetBy != "builder-1" {
		t.Fatalf("unexpected flag: %+v", flag)
	}
	if !flag.ResetTime.Equal(reset) {
		t.Fatalf("reset time mangled: want %v, got %v", reset, flag.ResetTime)
	}

	r.Clear()
	flag, err = r.Get()
	if err != nil || flag != nil {
		t.Fatalf("register not cleared: %+v / %v", flag, err)
	}
}

func TestRegisterExpiredFlagIsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate_limit.json")
	r := New(path)

	if err := r.Set("codex", time.Now().Add(-time.Minute), "builder-2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	flag, err := r.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag != nil {
		t.Fatalf("expired flag returned: %+v", flag)
	}
	// The lapsed file is removed on read.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expired register file not deleted: %v", err)
	}
}

func TestRegisterCorruptFileIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate_limit.json")
	if err := os.WriteFile(path, []byte("{torn write"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	r := New(path)
	flag, err := r.Get()
	if err != nil || flag != nil {
		t.Fatalf("corrupt register should read as absent, got %+v / %v", flag, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupt register file not deleted: %v", err)
	}
}
