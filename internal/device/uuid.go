package device

import (
	"strings"

	"github.com/google/uuid"
)

// BaseUUIDSuffix is the Bluetooth base UUID tail appended to short-form UUIDs.
const BaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ParseUUID normalizes a service or characteristic UUID to its full lowercase
// 128-bit dashed form.
//
//	"2A19"       -> "00002a19-0000-1000-8000-00805f9b34fb"
//	"0x180f"     -> "0000180f-0000-1000-8000-00805f9b34fb"
//	"12345678"   -> "12345678-0000-1000-8000-00805f9b34fb"
//	"6E400001B5A3F393E0A9E50E24DCCA9E" -> "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
//
// Anything else fails with an InvalidArguments error.
func ParseUUID(s string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, "0x")

	if raw == "" {
		return "", NewError(KindInvalidArguments, "empty UUID")
	}

	switch len(raw) {
	case 4:
		if !isHex(raw) {
			return "", NewError(KindInvalidArguments, "invalid 16-bit UUID %q", s)
		}
		return "0000" + raw + BaseUUIDSuffix, nil
	case 8:
		if !isHex(raw) {
			return "", NewError(KindInvalidArguments, "invalid 32-bit UUID %q", s)
		}
		return raw + BaseUUIDSuffix, nil
	}

	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", WrapError(KindInvalidArguments, err, "invalid UUID %q", s)
	}
	return parsed.String(), nil
}

// NormalizeUUID is ParseUUID without the error: invalid input yields "".
func NormalizeUUID(s string) string {
	u, err := ParseUUID(s)
	if err != nil {
		return ""
	}
	return u
}

// NormalizeUUIDs normalizes every entry, dropping the invalid ones.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			result = append(result, n)
		}
	}
	return result
}

// ShortUUID returns the 16-bit form of a UUID built on the Bluetooth base
// UUID ("0000180f-0000-1000-8000-00805f9b34fb" -> "180f"), or the UUID
// unchanged otherwise.
func ShortUUID(full string) string {
	n := NormalizeUUID(full)
	if n == "" {
		return full
	}
	if strings.HasPrefix(n, "0000") && strings.HasSuffix(n, BaseUUIDSuffix) {
		return n[4:8]
	}
	return n
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
