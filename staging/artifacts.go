package staging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/stagebus/errors"
)

// ErrorLogName is the diagnostic file left beside every failed file
const ErrorLogName = "error_log.yaml"

// ErrorLog is the human-readable failure record written beside a failed file
type ErrorLog struct {
	ScanID    string    `yaml:"scan_id"`
	Filename  string    `yaml:"filename"`
	FileID    string    `yaml:"file_id,omitempty"`
	Version   int       `yaml:"version,omitempty"`
	Reason    string    `yaml:"reason"`
	Stage     string    `yaml:"stage,omitempty"`
	Timeout   bool      `yaml:"timeout,omitempty"`
	Error     string    `yaml:"error"`
	Details   []string  `yaml:"details,omitempty"`
	Hints     []string  `yaml:"hints,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`
}

// WriteErrorLog writes log as error_log.yaml into dir
func WriteErrorLog(dir string, log *ErrorLog) error {
	data, err := yaml.Marshal(log)
	if err != nil {
		return errors.Wrap(err, "marshal error log")
	}
	return writeFileAtomic(filepath.Join(dir, ErrorLogName), data)
}

// ReadErrorLog loads error_log.yaml from dir
func ReadErrorLog(dir string) (*ErrorLog, error) {
	data, err := os.ReadFile(filepath.Join(dir, ErrorLogName))
	if err != nil {
		return nil, errors.Wrapf(err, "read error log in %s", dir)
	}
	var log ErrorLog
	if err := yaml.Unmarshal(data, &log); err != nil {
		return nil, errors.Wrapf(err, "parse error log in %s", dir)
	}
	return &log, nil
}

// WriteArtifact stores a stage's result as <stage>.json in the scan's work
// dir, so it travels with the file to processed/ or failed/
func (a *Area) WriteArtifact(scanID, stage string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s artifact", stage)
	}
	return writeFileAtomic(filepath.Join(a.WorkDir(scanID), stage+".json"), data)
}

// WriteWorkErrorLog writes the error log into the scan's work dir before the move to failed/
func (a *Area) WriteWorkErrorLog(scanID string, log *ErrorLog) error {
	return WriteErrorLog(a.WorkDir(scanID), log)
}
