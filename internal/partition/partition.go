// Package partition derives the storage namespace of an owner. Every document
// and object key for an owner is built here.
package partition

import (
	"errors"
	"path"
	"strings"

	"wordvision/pkg/domain"
)

const maxSegmentLen = 120

var (
	ErrInvalidOwner   = errors.New("invalid owner id")
	ErrInvalidSegment = errors.New("invalid key segment")
)

// Partition is the per-owner namespace: one document collection and one
// object key prefix.
type Partition struct {
	OwnerID    string
	Collection string
	Prefix     string
}

// For returns the partition of ownerID. It performs no I/O.
func For(ownerID string) (Partition, error) {
	if !ValidSegment(ownerID) {
		return Partition{}, ErrInvalidOwner
	}
	return Partition{
		OwnerID:    ownerID,
		Collection: ownerID,
		Prefix:     ownerID + "/",
	}, nil
}

// ValidSegment reports whether s can be used as a single collection name or
// object key segment without escaping its parent.
func ValidSegment(s string) bool {
	if s == "" || len(s) > maxSegmentLen || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\$\x00")
}

// BookPrefix covers the book file and every derived asset of the book.
func (p Partition) BookPrefix(bookID string) (string, error) {
	if !ValidSegment(bookID) {
		return "", ErrInvalidSegment
	}
	return p.Prefix + bookID + "/", nil
}

// BookContentKey is the object key of the uploaded book file.
func (p Partition) BookContentKey(bookID, contentType string) (string, error) {
	prefix, err := p.BookPrefix(bookID)
	if err != nil {
		return "", err
	}
	return prefix + "book." + ExtensionFor(contentType), nil
}

// HighlightImageKey is the fixed object key of a highlight's generated image.
func (p Partition) HighlightImageKey(bookID, highlightID string) (string, error) {
	prefix, err := p.BookPrefix(bookID)
	if err != nil {
		return "", err
	}
	if !ValidSegment(highlightID) {
		return "", ErrInvalidSegment
	}
	return path.Join(prefix, "images", highlightID+".png"), nil
}

// ExtensionFor maps a book content type to the stored file extension.
func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case domain.ContentTypePDF:
		return "pdf"
	case domain.ContentTypeEPUB, domain.ContentTypeEPUBLegacy:
		return "epub"
	default:
		return "bin"
	}
}
