package cdx

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ReadRecords parses CDX records from r. Both a single JSON array and
// newline-delimited JSON objects are accepted; export tooling produces
// either.
func ReadRecords(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)

	first, err := firstByte(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	if first == '[' {
		var records []Record
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("parse CDX array: %w", err)
		}
		return records, nil
	}

	var records []Record
	dec := json.NewDecoder(br)
	for line := 1; ; line++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("parse CDX record %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// firstByte peeks past leading whitespace without consuming the stream.
func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
