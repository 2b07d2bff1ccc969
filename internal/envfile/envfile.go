// Package envfile edits line-oriented KEY=value files such as a Laravel .env.
//
// Edits work on whole lines: a key line is replaced in full, every other line
// (comments, blanks, unparsable text) is kept byte for byte. After any edit
// through a Document each key appears at most once.
package envfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/subosito/gotenv"
)

var keyLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)=(.*)$`)

// Document is an editable .env file
type Document struct {
	lines []string
}

// Parse splits data into lines. A trailing newline is implied.
func Parse(data []byte) *Document {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return &Document{}
	}
	return &Document{lines: strings.Split(text, "\n")}
}

// Read parses the file at path
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data), nil
}

// Bytes renders the document with a trailing newline
func (d *Document) Bytes() []byte {
	if len(d.lines) == 0 {
		return nil
	}
	return []byte(strings.Join(d.lines, "\n") + "\n")
}

// Lines returns a copy of the raw lines
func (d *Document) Lines() []string {
	return append([]string(nil), d.lines...)
}

func parseKey(line string) (key, value string, ok bool) {
	m := keyLine.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Get returns the raw value of the first KEY= line
func (d *Document) Get(key string) (string, bool) {
	for _, line := range d.lines {
		if k, v, ok := parseKey(line); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// GetLast returns the raw value of the last KEY= line, quotes and
// references included
func (d *Document) GetLast(key string) (string, bool) {
	for i := len(d.lines) - 1; i >= 0; i-- {
		if k, v, ok := parseKey(d.lines[i]); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Keys returns the keys in file order
func (d *Document) Keys() []string {
	var keys []string
	for _, line := range d.lines {
		if k, _, ok := parseKey(line); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Replace rewrites the KEY= line to KEY=value and drops any later duplicates.
// It reports false, and changes nothing, when the key is absent.
func (d *Document) Replace(key, value string) bool {
	return d.replaceMatching(func(line string) bool {
		k, _, ok := parseKey(line)
		return ok && k == key
	}, key+"="+value)
}

// Set replaces the key or appends it at the end
func (d *Document) Set(key, value string) {
	if !d.Replace(key, value) {
		d.lines = append(d.lines, key+"="+value)
	}
}

// SetUncommenting is Set that also claims a commented-out "#KEY=" line
func (d *Document) SetUncommenting(key, value string) {
	matched := d.replaceMatching(func(line string) bool {
		k, _, ok := parseKey(strings.TrimPrefix(line, "#"))
		return ok && k == key
	}, key+"="+value)
	if !matched {
		d.lines = append(d.lines, key+"="+value)
	}
}

func (d *Document) replaceMatching(match func(string) bool, replacement string) bool {
	found := false
	out := d.lines[:0:0]
	for _, line := range d.lines {
		if !match(line) {
			out = append(out, line)
			continue
		}
		if !found {
			out = append(out, replacement)
			found = true
		}
	}
	if found {
		d.lines = out
	}
	return found
}

// BlankLinesWithPrefix empties every line starting with prefix and returns how
// many were blanked. The lines stay so surrounding line numbers do not move.
func (d *Document) BlankLinesWithPrefix(prefix string) int {
	n := 0
	for i, line := range d.lines {
		if strings.HasPrefix(line, prefix) {
			d.lines[i] = ""
			n++
		}
	}
	return n
}

// DisplayLines returns KEY=value lines whose key starts with prefix, with
// secret-looking values masked.
func (d *Document) DisplayLines(prefix string) []string {
	var out []string
	for _, line := range d.lines {
		k, v, ok := parseKey(line)
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		if IsSecretKey(k) && v != "" {
			v = "******"
		}
		out = append(out, k+"="+v)
	}
	return out
}

// IsSecretKey reports whether a key holds a credential
func IsSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	return strings.Contains(upper, "PASSWORD") ||
		strings.Contains(upper, "SECRET") ||
		strings.HasSuffix(upper, "_KEY") ||
		upper == "APP_KEY"
}

// WriteFile stores the document at path.
//
// Symlinks are followed so current/.env -> shared/.env stays a link. An
// existing file is rewritten in place to keep its owner, group and mode, which
// the permission tasks set explicitly. A new file is created with mode 0640.
func (d *Document) WriteFile(path string) error {
	target := path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		target = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", target, err)
	}
	if _, err := f.Write(d.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %s: %w", target, err)
	}
	return f.Close()
}

// Update reads path, applies fn and writes the result back
func Update(path string, fn func(d *Document) error) error {
	doc, err := Read(path)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return doc.WriteFile(path)
}

// LoadValues parses a source .env into a map, honouring quotes, export
// prefixes and comments.
func LoadValues(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return env, nil
}

// FormatValue renders v so that a dotenv loader reads it back unchanged.
// Single quotes are preferred because they disable variable interpolation.
func FormatValue(v string) string {
	if v == "" || !strings.ContainsAny(v, " \t\n#\"'\\$`") {
		return v
	}
	if !strings.ContainsAny(v, "'\n") {
		return "'" + v + "'"
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "$", `\$`)
	return `"` + r.Replace(v) + `"`
}
