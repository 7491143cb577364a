package signatures

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hashsentry/hasher"
)

// ParseText reads the line-oriented import format:
//
//	# version: 42
//	# algorithm: sha256
//	# source: feed name
//	<hex digest>[ <label>]
//
// Blank lines and other comments are ignored. Algorithm defaults to sha256.
func ParseText(r io.Reader) (*Database, error) {
	db := &Database{Algorithm: hasher.SHA256}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if err := parseHeader(db, strings.TrimSpace(line[1:])); err != nil {
				return nil, loadErrorf("line %d: %v", lineNo, err)
			}
			continue
		}
		digest, label, _ := strings.Cut(line, " ")
		raw, err := ParseHex(digest)
		if err != nil || len(raw) == 0 {
			return nil, loadErrorf("line %d: invalid hex digest %q", lineNo, digest)
		}
		db.Entries = append(db.Entries, Entry{Hash: raw, Label: strings.TrimSpace(label)})
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Err: err}
	}
	return db, nil
}

func parseHeader(db *Database, header string) error {
	key, value, ok := strings.Cut(header, ":")
	if !ok {
		return nil
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "version":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", value)
		}
		db.Version = v
	case "algorithm":
		algo, err := hasher.ParseAlgorithm(value)
		if err != nil {
			return err
		}
		db.Algorithm = algo
	case "source":
		db.Source = value
	}
	return nil
}

// WriteText writes db in the import format, entries sorted by digest.
func WriteText(w io.Writer, db *Database) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# version: %d\n", db.Version)
	fmt.Fprintf(bw, "# algorithm: %s\n", db.Algorithm)
	if db.Source != "" {
		fmt.Fprintf(bw, "# source: %s\n", db.Source)
	}
	sorted := &Database{Entries: append([]Entry(nil), db.Entries...)}
	sorted.Sort()
	for _, entry := range sorted.Entries {
		if entry.Label == "" {
			fmt.Fprintln(bw, entry.HexHash())
			continue
		}
		fmt.Fprintf(bw, "%s %s\n", entry.HexHash(), entry.Label)
	}
	return bw.Flush()
}
