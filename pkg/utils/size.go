package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^(0|[1-9][0-9]*) ?([KMGTPE]i?)?B?$`)

// ParseSize parses memory sizes such as "2GB" or "512MiB" into bytes.
// Decimal units multiply by 1000, binary units by 1024.
func ParseSize(size string) (int64, error) {
	size = strings.TrimSpace(size)

	parts := sizeRe.FindStringSubmatch(size)
	if parts == nil {
		return 0, fmt.Errorf("%w: invalid size %q", ErrParse, size)
	}

	value, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q", ErrParse, size)
	}

	switch parts[2] {
	case "Ei":
		value *= 1024
		fallthrough
	case "Pi":
		value *= 1024
		fallthrough
	case "Ti":
		value *= 1024
		fallthrough
	case "Gi":
		value *= 1024
		fallthrough
	case "Mi":
		value *= 1024
		fallthrough
	case "Ki":
		value *= 1024

	case "E":
		value *= 1000
		fallthrough
	case "P":
		value *= 1000
		fallthrough
	case "T":
		value *= 1000
		fallthrough
	case "G":
		value *= 1000
		fallthrough
	case "M":
		value *= 1000
		fallthrough
	case "K":
		value *= 1000
	}

	return value, nil
}
