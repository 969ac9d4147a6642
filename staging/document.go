package staging

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/teranos/stagebus/errors"
)

// ScanRecord is one concluded scan in the manifest document
type ScanRecord struct {
	ScanID      string    `json:"scan_id"`
	Timestamp   time.Time `json:"timestamp"`
	Filename    string    `json:"filename"`
	Status      Status    `json:"status"`
	FileID      string    `json:"file_id"`
	Version     int       `json:"version"`
	Location    string    `json:"location"`
	Stage       string    `json:"stage,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	DuplicateOf string    `json:"duplicate_of,omitempty"`
}

// Document is the metadata.json consumers read. It is a derived view of the
// manifest table, rewritten whole after every change.
type Document struct {
	LastScan            *time.Time   `json:"last_scan"`
	TotalFilesProcessed int64        `json:"total_files_processed"`
	TotalFilesFailed    int64        `json:"total_files_failed"`
	Scans               []ScanRecord `json:"scans"`
}

// BuildDocument assembles the document from concluded manifest entries
func (m *Manifest) BuildDocument(ctx context.Context) (*Document, error) {
	totals, err := m.Totals(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := m.List(ctx, ListQuery{States: []FileState{StateDoneSuccess, StateDoneFailed}})
	if err != nil {
		return nil, err
	}

	doc := &Document{
		LastScan:            totals.LastScan,
		TotalFilesProcessed: totals.Processed,
		TotalFilesFailed:    totals.Failed,
		Scans:               make([]ScanRecord, 0, len(entries)),
	}
	for _, e := range entries {
		ts := e.CreatedAt
		if e.ConcludedAt != nil {
			ts = *e.ConcludedAt
		}
		doc.Scans = append(doc.Scans, ScanRecord{
			ScanID:      e.ScanID,
			Timestamp:   ts,
			Filename:    e.Filename,
			Status:      e.Status,
			FileID:      e.FileID,
			Version:     e.Version,
			Location:    e.Location,
			Stage:       e.Stage,
			Reason:      e.Reason,
			DuplicateOf: e.DuplicateOf,
		})
	}
	return doc, nil
}

// ExportDocument writes the manifest document to path atomically
func (m *Manifest) ExportDocument(ctx context.Context, path string) (*Document, error) {
	doc, err := m.BuildDocument(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal manifest document")
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return nil, err
	}
	return doc, nil
}

// ReadDocument loads a previously exported manifest document
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &doc, nil
}
