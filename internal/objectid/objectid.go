// Package objectid encodes and parses the two object-id forms the object
// store uses to locate a blob: a standalone Telegram message reference, or
// a byte span within an already-uploaded pack file. A legacy bare id (no
// scheme prefix) is accepted as standalone for backward compatibility.
package objectid

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	standalonePrefix = "tgmtproto:v1:"
	packPrefix       = "tgpack:"
)

// Standalone is the JSON payload base64url-encoded into a
// "tgmtproto:v1:..." object id. FileRef (the short-lived Telegram file
// reference handle) is deliberately not part of this struct: it is
// refreshed on each download by re-fetching the hosting message, per
// the wire contract.
type Standalone struct {
	Peer       string `json:"peer"`
	MsgID      int64  `json:"msgId"`
	DocID      int64  `json:"docId"`
	AccessHash int64  `json:"accessHash"`
}

// PackSlice addresses a span of bytes (the framed blob, including the
// crypto envelope) inside a pack file already uploaded as its own object.
type PackSlice struct {
	FileID string
	Offset int64
	Length int64
}

// Kind distinguishes a parsed object id.
type Kind int

const (
	KindStandalone Kind = iota
	KindPackSlice
)

// ID is a parsed object identifier in either form.
type ID struct {
	Kind       Kind
	Standalone Standalone
	PackSlice  PackSlice
}

// EncodeStandalone renders s as a "tgmtproto:v1:<base64url(json)>" string.
func EncodeStandalone(s Standalone) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("objectid: marshal standalone: %w", err)
	}
	return standalonePrefix + base64.URLEncoding.EncodeToString(b), nil
}

// EncodePackSlice renders p as a "tgpack:<file_id>@<offset>+<len>" string.
func EncodePackSlice(p PackSlice) string {
	return fmt.Sprintf("%s%s@%d+%d", packPrefix, p.FileID, p.Offset, p.Length)
}

// Parse decodes either object-id form, or treats a bare string with no
// recognized prefix as a legacy standalone file id ("Legacy
// bare <file_id> (no prefix) is accepted as standalone for backward
// compatibility").
func Parse(raw string) (*ID, error) {
	switch {
	case strings.HasPrefix(raw, standalonePrefix):
		payload := strings.TrimPrefix(raw, standalonePrefix)
		b, err := base64.URLEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("objectid: decode standalone base64: %w", err)
		}
		var s Standalone
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("objectid: parse standalone json: %w", err)
		}
		return &ID{Kind: KindStandalone, Standalone: s}, nil

	case strings.HasPrefix(raw, packPrefix):
		rest := strings.TrimPrefix(raw, packPrefix)
		at := strings.LastIndex(rest, "@")
		plus := strings.LastIndex(rest, "+")
		if at < 0 || plus < 0 || plus < at {
			return nil, fmt.Errorf("objectid: malformed pack slice %q", raw)
		}
		fileID := rest[:at]
		offset, err := strconv.ParseInt(rest[at+1:plus], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("objectid: parse pack offset: %w", err)
		}
		length, err := strconv.ParseInt(rest[plus+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("objectid: parse pack length: %w", err)
		}
		if fileID == "" {
			return nil, fmt.Errorf("objectid: empty pack file id in %q", raw)
		}
		return &ID{Kind: KindPackSlice, PackSlice: PackSlice{FileID: fileID, Offset: offset, Length: length}}, nil

	case raw == "":
		return nil, fmt.Errorf("objectid: empty object id")

	default:
		// Legacy bare file id: treat as a standalone reference whose Peer
		// field carries the literal id; no other structured field is set.
		// Legacy ids are opaque and only ever re-resolved through the same
		// path that produced them.
		return &ID{Kind: KindStandalone, Standalone: Standalone{Peer: raw}}, nil
	}
}

// String renders id back to its canonical wire form.
func (id *ID) String() string {
	switch id.Kind {
	case KindPackSlice:
		return EncodePackSlice(id.PackSlice)
	default:
		s, err := EncodeStandalone(id.Standalone)
		if err != nil {
			// Encoding a previously-parsed struct cannot fail; this branch
			// exists only to satisfy the error-free String() contract.
			return ""
		}
		return s
	}
}
