package model

import "time"

// VersionStatus is the lifecycle status of a DocumentVersion.
type VersionStatus string

const (
	VersionStatusDraft     VersionStatus = "draft"
	VersionStatusValidated VersionStatus = "validated"
	VersionStatusArchived  VersionStatus = "archived"
)

// StructuralSlot is a position in the document tree (chapter -> section ->
// block reference) that may be filled by successive block revisions. Only
// BlockID and BlockType are meaningful to the core; chapter/section titles
// and ordering are opaque payload carried for the assembler's benefit.
type StructuralSlot struct {
	SlotID    string
	Chapter   string
	Section   string
	BlockID   string
	BlockType BlockType
	Children  []StructuralSlot
}

// DocumentVersion is an immutable snapshot of the document's structure and
// its current block references. A project has exactly one current version;
// new versions are created when structural revisions occur.
type DocumentVersion struct {
	ID               string
	ProjectID        string
	VersionNumber    int64
	ContentStructure []StructuralSlot
	Status           VersionStatus
	Version          int64
	CreatedAt        time.Time
}
