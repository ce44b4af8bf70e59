package runner

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeScript decodes a base64 script body and stores it at path, creating
// parent directories. The file must exist afterwards.
func writeScript(path, encoded string) (int, error) {
	data, err := decodeScript(encoded)
	if err != nil {
		return 0, fmt.Errorf("decoding script: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating script directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return 0, fmt.Errorf("writing script: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("cannot create the script to run: %w", err)
	}
	return len(data), nil
}

// decodeScript accepts padded and unpadded standard base64, ignoring line
// breaks inserted by encoders that wrap their output.
func decodeScript(encoded string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, encoded)

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(cleaned); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
