package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunLogger captures job output as JSON lines: data lines carry raw
// step output, control lines mark step status transitions. One log
// file exists per (run, job); StepResult.Output points into it.
type RunLogger struct {
	file    *os.File
	encoder *json.Encoder
	path    string
}

type LogLineKind string

const (
	LogLineData    LogLineKind = "data"
	LogLineControl LogLineKind = "control"
)

type LogLine struct {
	Kind    LogLineKind `json:"kind"`
	Step    int         `json:"step"`
	Stream  string      `json:"stream,omitempty"`  // stdout | stderr, data lines only
	Content string      `json:"content,omitempty"` // data lines only
	Status  StepStatus  `json:"status,omitempty"`  // control lines only
	At      time.Time   `json:"at"`
}

func NewRunLogger(baseDir string, runID RunId, jobID string) (*RunLogger, error) {
	path := LogFilePath(baseDir, runID, jobID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &RunLogger{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
	}, nil
}

func LogFilePath(baseDir string, runID RunId, jobID string) string {
	return filepath.Join(baseDir, string(runID), fmt.Sprintf("%s.log", jobID))
}

func (l *RunLogger) Path() string {
	return l.path
}

func (l *RunLogger) Close() error {
	return l.file.Close()
}

// DataWriter returns an io.Writer that wraps each write into a data
// log line for the given step.
func (l *RunLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{logger: l, idx: idx, stream: stream}
}

// Control appends a step status transition to the log.
func (l *RunLogger) Control(idx int, status StepStatus) error {
	return l.encoder.Encode(LogLine{
		Kind:   LogLineControl,
		Step:   idx,
		Status: status,
		At:     time.Now(),
	})
}

type dataWriter struct {
	logger *RunLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	entry := LogLine{
		Kind:    LogLineData,
		Step:    w.idx,
		Stream:  w.stream,
		Content: line,
		At:      time.Now(),
	}
	if err := w.logger.encoder.Encode(entry); err != nil {
		return 0, err
	}
	return len(p), nil
}
