package sshcli

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/tetherops/tether/internal/logging"
)

// PublicKey is one parsed public key line, as found in authorized_keys,
// known_hosts values, or keyscan output.
type PublicKey struct {
	// Type is the key algorithm, or "rsa1" for old-format keys.
	Type string
	// Blob is the decoded key material. For rsa1 keys it holds the
	// textual modulus instead.
	Blob []byte
	// Bits is set for rsa1 keys only.
	Bits int
	// Comment is the trailing free-form field, if present.
	Comment string
}

// keyTypePrefixes are the algorithm names modern key lines start with.
var keyTypePrefixes = []string{
	"ssh-rsa",
	"ssh-dss",
	"ssh-ed25519",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
}

// ParsePublicKey parses one public key line. Both the modern
// "type base64 [comment]" form and the SSH protocol 1 "bits exponent
// modulus [comment]" form are recognized.
func ParsePublicKey(line string) (*PublicKey, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 {
		return nil, fmt.Errorf("sshcli: malformed key line %q", line)
	}

	for _, t := range keyTypePrefixes {
		if fields[0] != t {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("sshcli: bad key data for %s: %w", t, err)
		}
		// The blob embeds its own algorithm name; it must agree with
		// the line's leading field.
		if !blobNames(blob, t) {
			return nil, fmt.Errorf("sshcli: key data does not carry type %s", t)
		}
		k := &PublicKey{Type: t, Blob: blob}
		if len(fields) > 2 {
			k.Comment = strings.Join(fields[2:], " ")
		}
		return k, nil
	}

	// Protocol 1: bits exponent modulus [comment].
	if bits, err := strconv.Atoi(fields[0]); err == nil {
		if len(fields) < 3 {
			return nil, fmt.Errorf("sshcli: malformed rsa1 key line %q", line)
		}
		k := &PublicKey{Type: "rsa1", Bits: bits, Blob: []byte(fields[2])}
		if len(fields) > 3 {
			k.Comment = strings.Join(fields[3:], " ")
		}
		return k, nil
	}

	return nil, fmt.Errorf("sshcli: unknown key type %q", fields[0])
}

// blobNames reports whether the wire-format blob's leading
// length-prefixed string equals name.
func blobNames(blob []byte, name string) bool {
	if len(blob) < 4 {
		return false
	}
	n := int(blob[0])<<24 | int(blob[1])<<16 | int(blob[2])<<8 | int(blob[3])
	if n < 0 || 4+n > len(blob) {
		return false
	}
	return string(blob[4:4+n]) == name
}

// ParseKeyscan parses ssh-keyscan output: "host type base64" lines,
// with comment lines ignored.
func ParseKeyscan(out []byte) []PublicKey {
	var keys []PublicKey
	for _, line := range bytes.Split(out, []byte("\n")) {
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// Drop the leading host field, leaving a normal key line.
		i := strings.IndexByte(trimmed, ' ')
		if i < 0 {
			continue
		}
		host := trimmed[:i]
		k, err := ParsePublicKey(trimmed[i+1:])
		if err != nil {
			log.Debug("skipping unparsable keyscan line", "host", host, logging.KeyError, err)
			continue
		}
		k.Comment = host
		keys = append(keys, *k)
	}
	return keys
}
