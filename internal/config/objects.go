package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadObjectFile loads static objects from a file of "oid|type|value" lines.
// Blank lines and lines starting with # are skipped.
func ReadObjectFile(path string) ([]Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read object file: %w", err)
	}
	defer f.Close()

	objects, err := ParseObjects(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return objects, nil
}

// ParseObjects reads "oid|type|value" lines from r.
func ParseObjects(r io.Reader) ([]Object, error) {
	var objects []Object
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: want oid|type|value, got %q", line, text)
		}
		oid := strings.TrimPrefix(strings.TrimSpace(parts[0]), ".")
		if oid == "" {
			return nil, fmt.Errorf("line %d: empty oid", line)
		}
		objects = append(objects, Object{
			OID:   oid,
			Type:  strings.ToLower(strings.TrimSpace(parts[1])),
			Value: strings.TrimSpace(parts[2]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return objects, nil
}
