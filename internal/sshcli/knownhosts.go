package sshcli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KnownHosts edits an OpenSSH known_hosts file. Lines that are not host
// entries (comments, blanks) are preserved verbatim.
type KnownHosts struct {
	path  string
	lines []string
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts.
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("sshcli: %w", err)
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// LoadKnownHosts reads the file at path, or the default file when path
// is empty. A missing file yields an empty edit buffer, so first
// contact with a new host starts from nothing.
func LoadKnownHosts(path string) (*KnownHosts, error) {
	if path == "" {
		var err error
		path, err = DefaultKnownHostsPath()
		if err != nil {
			return nil, err
		}
	}
	kh := &KnownHosts{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kh, nil
		}
		return nil, fmt.Errorf("sshcli: read known_hosts: %w", err)
	}
	content := strings.TrimSuffix(string(data), "\n")
	if content != "" {
		kh.lines = strings.Split(content, "\n")
	}
	return kh, nil
}

// Path returns the file this edit buffer is bound to.
func (k *KnownHosts) Path() string { return k.path }

// Len returns the number of lines held.
func (k *KnownHosts) Len() int { return len(k.lines) }

// entryHosts returns the host field of a known_hosts line, split on
// commas, or nil for comments and blanks.
func entryHosts(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil
	}
	fields := strings.Fields(trimmed)
	// Skip a leading @marker (@revoked, @cert-authority).
	if strings.HasPrefix(fields[0], "@") {
		if len(fields) < 2 {
			return nil
		}
		fields = fields[1:]
	}
	return strings.Split(fields[0], ",")
}

// Has reports whether any entry names host.
func (k *KnownHosts) Has(host string) bool {
	for _, line := range k.lines {
		for _, h := range entryHosts(line) {
			if h == host {
				return true
			}
		}
	}
	return false
}

// Add appends an entry for host.
func (k *KnownHosts) Add(host, keyType, keyBase64 string) {
	k.lines = append(k.lines, fmt.Sprintf("%s %s %s", host, keyType, keyBase64))
}

// Remove drops every entry naming host and returns how many were
// dropped. An entry listing several hosts is dropped whole; ssh will
// re-learn the others on next contact.
func (k *KnownHosts) Remove(host string) int {
	kept := k.lines[:0]
	removed := 0
	for _, line := range k.lines {
		match := false
		for _, h := range entryHosts(line) {
			if h == host {
				match = true
				break
			}
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	k.lines = kept
	return removed
}

// Save writes the buffer back to its file.
func (k *KnownHosts) Save() error {
	return k.SaveTo(k.path)
}

// SaveTo writes the buffer to path, creating parent directories as
// needed.
func (k *KnownHosts) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("sshcli: save known_hosts: %w", err)
	}
	var b strings.Builder
	for _, line := range k.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("sshcli: save known_hosts: %w", err)
	}
	return nil
}
