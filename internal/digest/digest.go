// Package digest computes the content digests used as resource signatures
// and rule identities.
//
// Every digest is SHA-256 with domain separation so that a signature of one
// kind can never collide with a signature of another kind:
//
//	SHA256(domain + 0x00 + field_1 + field_2 + ...)
//
// Fields are length-prefixed, which keeps ("ab", "c") and ("a", "bc") apart.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes. The version suffix allows the algorithm to change without
// silently matching signatures written by an older engine.
const (
	DomainFile     = "stale/file/v1"
	DomainTable    = "stale/table/v1"
	DomainKeyValue = "stale/kv/v1"
	DomainCode     = "stale/code/v1"
)

// Hasher accumulates length-prefixed fields under one domain.
type Hasher struct {
	h hash.Hash
}

// New starts a digest for the given domain.
func New(domain string) *Hasher {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return &Hasher{h: h}
}

// Write adds one length-prefixed field.
func (d *Hasher) Write(field []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(field)))
	d.h.Write(prefix[:])
	d.h.Write(field)
}

// WriteString adds one length-prefixed string field.
func (d *Hasher) WriteString(field string) {
	d.Write([]byte(field))
}

// WriteFrom adds one length-prefixed field streamed from r. size must be the
// exact number of bytes r yields.
func (d *Hasher) WriteFrom(r io.Reader, size int64) error {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(size))
	d.h.Write(prefix[:])
	n, err := io.Copy(d.h, r)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short read: got %d of %d bytes", n, size)
	}
	return nil
}

// Sum returns the digest formatted as "sha256:<hex>".
func (d *Hasher) Sum() string {
	return "sha256:" + hex.EncodeToString(d.h.Sum(nil))
}

// Bytes digests a single field.
func Bytes(domain string, data []byte) string {
	d := New(domain)
	d.Write(data)
	return d.Sum()
}

// Code returns the identity of a rule's code body. Line endings are
// normalised so that a checkout with CRLF endings does not look edited.
func Code(code string) string {
	return Bytes(DomainCode, []byte(strings.ReplaceAll(code, "\r\n", "\n")))
}

// NormalizeAddress returns the canonical spelling of a resource address:
// surrounding whitespace removed and Unicode in NFC form, so that the same
// path typed on two systems maps to the same persisted record.
func NormalizeAddress(address string) string {
	return norm.NFC.String(strings.TrimSpace(address))
}
