package core

import "fmt"

// FileID identifies one of the files multiplexed by the file manager.
// It is stored on disk as a two-byte signed quantity so that NullFileID
// (-1) can be distinguished from a real file without a separate presence
// flag, matching the "PageId(6)" on-disk encoding used throughout the
// redo and undo log record bodies.
type FileID int16

// NullFileID marks a PageId as the NULL sentinel ("no page").
const NullFileID FileID = -1

// PageID is a page number within a file.
type PageID int32

// NullPageID is the page number carried by the NULL sentinel PageId.
const NullPageID PageID = -1

// PageId is the immutable (file-id, page-id) pair that names one page.
type PageId struct {
	FileID FileID
	Page   PageID
}

// NullPageId is the sentinel "no page" value.
var NullPageId = PageId{FileID: NullFileID, Page: NullPageID}

// IsNull reports whether p is the NULL sentinel.
func (p PageId) IsNull() bool {
	return p.FileID == NullFileID
}

func (p PageId) String() string {
	if p.IsNull() {
		return "PageId(NULL)"
	}
	return fmt.Sprintf("PageId(file=%d,page=%d)", p.FileID, p.Page)
}

// Less orders PageIds by (FileID, Page), the order the buffer pool's
// dirty-page writer sorts frames in before a checkpoint flush.
func (p PageId) Less(other PageId) bool {
	if p.FileID != other.FileID {
		return p.FileID < other.FileID
	}
	return p.Page < other.Page
}

// VersionedPageId extends PageId with the transaction/version pair that
// selects a specific in-memory reconstructed historical version. A zero
// TransID means "the current physical page."
type VersionedPageId struct {
	PageId
	TransID uint64
	Version uint64
}

// IsCurrent reports whether v addresses the current physical page rather
// than a cached historical reconstruction.
func (v VersionedPageId) IsCurrent() bool {
	return v.TransID == 0
}

// Less orders VersionedPageIds by (PageId, TransID, Version). The buffer
// pool's frame map matches VersionedPageIds by struct equality, not by
// this ordering.
func (v VersionedPageId) Less(other VersionedPageId) bool {
	if v.PageId != other.PageId {
		return v.PageId.Less(other.PageId)
	}
	if v.TransID != other.TransID {
		return v.TransID < other.TransID
	}
	return v.Version < other.Version
}

func (v VersionedPageId) String() string {
	if v.IsCurrent() {
		return v.PageId.String()
	}
	return fmt.Sprintf("%s@tx=%d/v=%d", v.PageId.String(), v.TransID, v.Version)
}
