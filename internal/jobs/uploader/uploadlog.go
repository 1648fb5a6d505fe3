package uploader

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

// Record is one uploaded image.
type Record struct {
	Path       string    `json:"path"`
	Dest       string    `json:"dest"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// UploadLog persists upload records as JSON lines.
type UploadLog struct {
	filePath string
	logger   *logger.Logger
}

func NewUploadLog(filePath string, log *logger.Logger) *UploadLog {
	return &UploadLog{filePath: filePath, logger: log}
}

func (s *UploadLog) Path() string { return s.filePath }

// Load reads the records in file order. A missing file is an empty log;
// malformed lines are skipped.
func (s *UploadLog) Load() ([]Record, error) {
	file, err := os.Open(s.filePath)
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Path == "" {
			s.logger.Warn("skipping malformed upload log line",
				logger.Field{Key: "file", Value: s.filePath},
				logger.Field{Key: "line", Value: lineNum})
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Append adds one record at the end of the log.
func (s *UploadLog) Append(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = file.Write(append(data, '\n'))
	return err
}

// Save replaces the log with records using a temporary file and a rename.
func (s *UploadLog) Save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}

	tmpPath := s.filePath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return err
	}

	s.logger.Debug("upload log saved",
		logger.Field{Key: "count", Value: len(records)},
		logger.Field{Key: "file", Value: s.filePath})
	return nil
}
