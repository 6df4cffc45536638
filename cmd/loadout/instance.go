package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const instanceFileName = "server.json"

// instanceInfo is written by a running server so one-shot commands can find it.
type instanceInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

func (i instanceInfo) baseURL() string {
	return fmt.Sprintf("http://localhost:%d", i.Port)
}

func instanceFilePath(stateDir string) string {
	return filepath.Join(stateDir, instanceFileName)
}

func currentPID() int { return os.Getpid() }

func writeInstanceFile(path string, info instanceInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readInstanceFile(path string) (instanceInfo, error) {
	var info instanceInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse %s: %w", path, err)
	}
	return info, nil
}

func removeInstanceFile(path string) {
	os.Remove(path)
}

func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// liveInstance returns the running server recorded under stateDir. A file left
// behind by a dead process is removed.
func liveInstance(stateDir string) (instanceInfo, bool) {
	path := instanceFilePath(stateDir)
	info, err := readInstanceFile(path)
	if err != nil {
		return info, false
	}
	if !isPIDAlive(info.PID) {
		removeInstanceFile(path)
		return info, false
	}
	return info, true
}
