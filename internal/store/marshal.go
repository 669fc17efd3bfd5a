package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// marshalList converts an address list to JSON TEXT for storage.
func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	return marshalJSON(list)
}

// marshalSignatures converts address -> signature to JSON TEXT.
// Go's json encoder sorts map keys, so equal maps give equal TEXT.
func marshalSignatures(sigs map[string]string) (string, error) {
	if sigs == nil {
		sigs = map[string]string{}
	}
	return marshalJSON(sigs)
}

func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // addresses may contain & and ?
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalList(data string) ([]string, error) {
	var list []string
	if data == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return list, nil
}

func unmarshalSignatures(data string) (map[string]string, error) {
	sigs := map[string]string{}
	if data == "" {
		return sigs, nil
	}
	if err := json.Unmarshal([]byte(data), &sigs); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	return sigs, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
