package packetlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one decoded line from a packet log: either a captured packet or a
// "recorded N-M" compaction marker for a run of prices packets.
type Entry struct {
	Type           string
	AccountID      string
	SequenceNumber *int64
	CapturedAt     time.Time
	Marker         string
	Payload        json.RawMessage
}

// Reader replays a packet log written by Sink, for diagnostics and support
// tooling.
type Reader struct {
	entries []Entry
}

// OpenReader decodes the zstd-compressed JSONL packet log at path.
func OpenReader(path string) (*Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("packetlog: path must be provided")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var entries []Entry
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("packetlog: decode line: %w", err)
		}
		if probe.Type == "recorded" {
			var marker struct {
				Type      string `json:"type"`
				AccountID string `json:"account_id"`
				Marker    string `json:"marker"`
			}
			if err := json.Unmarshal(line, &marker); err != nil {
				return nil, fmt.Errorf("packetlog: decode marker: %w", err)
			}
			entries = append(entries, Entry{Type: "recorded", AccountID: marker.AccountID, Marker: marker.Marker})
			continue
		}

		var record struct {
			Type              string          `json:"type"`
			AccountID         string          `json:"account_id"`
			SequenceNumber    *int64          `json:"sequence_number,omitempty"`
			SynchronizationID string          `json:"synchronization_id,omitempty"`
			CapturedAt        string          `json:"captured_at"`
			Payload           json.RawMessage `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("packetlog: decode record: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("packetlog: parse captured_at: %w", err)
		}
		entries = append(entries, Entry{
			Type:           record.Type,
			AccountID:      record.AccountID,
			SequenceNumber: record.SequenceNumber,
			CapturedAt:     captured,
			Payload:        record.Payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Reader{entries: entries}, nil
}

// Replay invokes apply for every decoded entry in file order.
func (r *Reader) Replay(apply func(Entry) error) error {
	if r == nil {
		return fmt.Errorf("packetlog: reader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("packetlog: replay callback must be provided")
	}
	for _, entry := range r.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a defensive copy of the decoded log.
func (r *Reader) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
