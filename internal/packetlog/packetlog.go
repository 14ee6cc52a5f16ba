// Package packetlog implements the optional packet-logging sink described
// in spec §4.7: it compresses consecutive "prices" packets within a
// contiguous sequence-number run into a single "recorded N-M" marker, skips
// status/keepalive noise, and can shorten "specifications" packets to a
// header-only record. This is a sink, never a required dependency of the
// streaming core (spec §1 non-goals).
package packetlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/quantstream/tradestream-client/internal/wire"
)

var sessionIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes where the compressed packet log and its header live.
type Manifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	AccountID    string `json:"account_id"`
	PacketsPath  string `json:"packets_path"`
	HeaderPath   string `json:"header_path"`
}

// Header records session-identifying metadata alongside the log.
const HeaderSchemaVersion = 1

type Header struct {
	SchemaVersion int    `json:"schema_version"`
	AccountID     string `json:"account_id"`
	SessionID     string `json:"session_id"`
	FilePointer   string `json:"file_pointer"`
}

func (h Header) validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("packetlog: schema_version must be positive")
	}
	if h.FilePointer == "" {
		return fmt.Errorf("packetlog: file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists header to path as indented JSON.
func WriteHeader(path string, header Header) error {
	if err := header.validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads a packet-log header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	return header, header.validate()
}

type pricesRun struct {
	accountID string
	start     int64
	end       int64
}

// Sink writes an optionally-compacted packet stream to a single
// zstd-compressed JSONL file.
type Sink struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	file        *os.File
	stream      *zstd.Encoder
	openRun     map[string]*pricesRun
	shortenSpec bool
}

// NewSink prepares the packet-log directory and opens the compressed
// stream. clock defaults to time.Now.
func NewSink(root, accountID, sessionID string, shortenSpecifications bool, clock func() time.Time) (*Sink, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("packetlog: root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	cleanSession := sessionIDCleaner.ReplaceAllString(sessionID, "")
	if cleanSession == "" {
		cleanSession = "session"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleanSession, created.Format("20060102T150405Z"))
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	packetsPath := filepath.Join(dir, "packets.jsonl.zst")
	headerPath := filepath.Join(dir, "header.json")
	manifestPath := filepath.Join(dir, "manifest.json")

	file, err := os.Create(packetsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	stream, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, Manifest{}, err
	}

	header := Header{SchemaVersion: HeaderSchemaVersion, AccountID: accountID, SessionID: sessionID, FilePointer: "manifest.json"}
	if err := WriteHeader(headerPath, header); err != nil {
		stream.Close()
		file.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:     1,
		CreatedAt:   created.Format(time.RFC3339Nano),
		AccountID:   accountID,
		PacketsPath: "packets.jsonl.zst",
		HeaderPath:  "header.json",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		stream.Close()
		file.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		stream.Close()
		file.Close()
		return nil, Manifest{}, err
	}

	return &Sink{
		dir:         dir,
		now:         clock,
		file:        file,
		stream:      stream,
		openRun:     make(map[string]*pricesRun),
		shortenSpec: shortenSpecifications,
	}, manifest, nil
}

// Directory exposes the directory backing the packet log.
func (s *Sink) Directory() string {
	if s == nil {
		return ""
	}
	return s.dir
}

// Record appends one packet to the log, applying the compaction rules from
// spec §4.7.
func (s *Sink) Record(p wire.Packet) error {
	if s == nil {
		return fmt.Errorf("packetlog: sink not initialised")
	}
	if p.Type == wire.PacketStatus || p.Type == wire.PacketKeepalive {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Type == wire.PacketPrices && p.SequenceNumber != nil {
		run := s.openRun[p.AccountID]
		if run != nil && *p.SequenceNumber == run.end+1 {
			run.end = *p.SequenceNumber
			return nil
		}
		if err := s.flushRunLocked(p.AccountID); err != nil {
			return err
		}
		s.openRun[p.AccountID] = &pricesRun{accountID: p.AccountID, start: *p.SequenceNumber, end: *p.SequenceNumber}
		return nil
	}

	if err := s.flushRunLocked(p.AccountID); err != nil {
		return err
	}

	payload := p.Payload
	if s.shortenSpec && p.Type == wire.PacketSpecifications {
		payload = json.RawMessage(`{"truncated":true}`)
	}

	record := struct {
		Type              wire.PacketType `json:"type"`
		AccountID         string          `json:"account_id"`
		SequenceNumber    *int64          `json:"sequence_number,omitempty"`
		SynchronizationID string          `json:"synchronization_id,omitempty"`
		CapturedAt        string          `json:"captured_at"`
		Payload           json.RawMessage `json:"payload,omitempty"`
	}{
		Type:              p.Type,
		AccountID:         p.AccountID,
		SequenceNumber:    p.SequenceNumber,
		SynchronizationID: p.SynchronizationID,
		CapturedAt:        s.now().UTC().Format(time.RFC3339Nano),
		Payload:           payload,
	}
	return s.writeLineLocked(record)
}

func (s *Sink) flushRunLocked(accountID string) error {
	run, ok := s.openRun[accountID]
	if !ok {
		return nil
	}
	delete(s.openRun, accountID)
	marker := struct {
		Type      string `json:"type"`
		AccountID string `json:"account_id"`
		Marker    string `json:"marker"`
	}{
		Type:      "recorded",
		AccountID: run.accountID,
		Marker:    fmt.Sprintf("recorded %d-%d", run.start, run.end),
	}
	return s.writeLineLocked(marker)
}

func (s *Sink) writeLineLocked(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.stream.Write(line); err != nil {
		return err
	}
	_, err = s.stream.Write([]byte("\n"))
	return err
}

// Close flushes any open "prices" run and closes the stream.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID := range s.openRun {
		if err := s.flushRunLocked(accountID); err != nil {
			return err
		}
	}
	var firstErr error
	if err := s.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
