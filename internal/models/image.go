package models

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeImagePayload turns an inline data URL into raw bytes plus its MIME
// type. Plain URLs are rejected; callers should fetch those themselves.
func DecodeImagePayload(payload string) ([]byte, string, error) {
	if !strings.HasPrefix(payload, "data:") {
		return nil, "", fmt.Errorf("payload is not a data URL")
	}
	meta, data, ok := strings.Cut(payload[len("data:"):], ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URL")
	}
	mime, _, _ := strings.Cut(meta, ";")
	if mime == "" {
		mime = "image/png"
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode image payload: %w", err)
	}
	return raw, mime, nil
}
