package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/teranos/stagebus/errors"
)

// ScanReport is the scan stage artifact
type ScanReport struct {
	Language    string `json:"language"`
	Bytes       int64  `json:"bytes"`
	Lines       int    `json:"lines"`
	BlankLines  int    `json:"blank_lines"`
	ContentHash string `json:"content_hash"`
}

var languages = map[string]string{
	".py":   "python",
	".go":   "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".sh":   "shell",
	".sql":  "sql",
}

// Language guesses a source language from the file extension
func Language(filename string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(filename))]; ok {
		return lang
	}
	return "unknown"
}

// ScanStage reads the file and rejects what no analyzer can use: oversized,
// binary, or not valid UTF-8 text.
type ScanStage struct {
	maxBytes int64
}

// NewScanStage returns a scan stage; maxBytes <= 0 disables the size limit
func NewScanStage(maxBytes int64) *ScanStage {
	return &ScanStage{maxBytes: maxBytes}
}

func (s *ScanStage) Name() string { return StageScan }

func (s *ScanStage) Run(ctx context.Context, in *Input) (*Result, error) {
	info, err := os.Stat(in.Path)
	if err != nil {
		return nil, &StageError{Stage: StageScan, Err: errors.Wrap(err, "stat staged file")}
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return nil, Invalidf(StageScan, "%s is %d bytes, limit is %d", in.Filename, info.Size(), s.maxBytes)
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, &StageError{Stage: StageScan, Err: errors.Wrap(err, "read staged file")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return nil, Invalidf(StageScan, "%s looks binary", in.Filename)
	}
	if !utf8.Valid(data) {
		return nil, Invalidf(StageScan, "%s is not valid UTF-8", in.Filename)
	}

	report := &ScanReport{
		Language:    Language(in.Filename),
		Bytes:       int64(len(data)),
		ContentHash: in.ContentHash,
	}
	if len(data) > 0 {
		lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
		report.Lines = len(lines)
		for _, l := range lines {
			if strings.TrimSpace(l) == "" {
				report.BlankLines++
			}
		}
	}

	return &Result{
		Summary:  report.Language,
		Artifact: report,
	}, nil
}
