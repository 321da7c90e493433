package models

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document major heads
const (
	MajorHeadPersonal     = "Personal"
	MajorHeadProfessional = "Professional"
)

// Search page sizes
const (
	DefaultSearchLength = 10
	MaxSearchLength     = 100
)

// Allowed upload MIME types
var AllowedDocumentTypes = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
}

// Tag is a free-form label attached to a document
type Tag struct {
	TagName string `bson:"tag_name" json:"tag_name"`
}

// Document is the metadata of an uploaded file. The bytes live in GridFS.
type Document struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Filename     string             `bson:"filename" json:"filename"`
	OriginalName string             `bson:"original_name" json:"original_name"`
	FileSize     int64              `bson:"file_size" json:"file_size"`
	MimeType     string             `bson:"mime_type" json:"mime_type"`
	MajorHead    string             `bson:"major_head" json:"major_head"`
	MinorHead    string             `bson:"minor_head" json:"minor_head"`
	DocumentDate *time.Time         `bson:"document_date,omitempty" json:"document_date,omitempty"`
	Tags         []Tag              `bson:"tags" json:"tags"`
	Remarks      string             `bson:"remarks,omitempty" json:"remarks,omitempty"`
	UploadedBy   primitive.ObjectID `bson:"uploaded_by" json:"uploaded_by"`
	UploadDate   time.Time          `bson:"upload_date" json:"upload_date"`
	GridFSID     primitive.ObjectID `bson:"gridfs_id" json:"-"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// DocumentUploadData is the JSON "data" part of a multipart upload
type DocumentUploadData struct {
	MajorHead       string `json:"major_head" binding:"required,oneof=Personal Professional"`
	MinorHead       string `json:"minor_head" binding:"required,max=100"`
	DocumentDate    string `json:"document_date"`
	DocumentRemarks string `json:"document_remarks" binding:"max=1000"`
	Tags            []Tag  `json:"tags" binding:"max=20"`
}

// NormalizeTags trims tag names and drops empty and duplicate (case-insensitive) entries
func NormalizeTags(tags []Tag) []Tag {
	seen := make(map[string]bool, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		name := strings.TrimSpace(t.TagName)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Tag{TagName: name})
	}
	return out
}

// SearchDocumentRequest is the body of POST /searchDocumentEntry
type SearchDocumentRequest struct {
	MajorHead  string `json:"major_head"`
	MinorHead  string `json:"minor_head"`
	FromDate   string `json:"from_date"`
	ToDate     string `json:"to_date"`
	Tags       []Tag  `json:"tags"`
	UploadedBy string `json:"uploaded_by"`
	Start      int    `json:"start" binding:"min=0"`
	Length     int    `json:"length" binding:"min=0"`
	Search     struct {
		Value string `json:"value"`
	} `json:"search"`
}

// SearchDocumentResponse is returned by POST /searchDocumentEntry
type SearchDocumentResponse struct {
	Success      bool       `json:"success"`
	Data         []Document `json:"data"`
	RecordsTotal int64      `json:"recordsTotal"`
}

// DocumentTagsRequest is the body of POST /documentTags
type DocumentTagsRequest struct {
	Term string `json:"term"`
}

// DocumentTagsResponse is returned by POST /documentTags
type DocumentTagsResponse struct {
	Success bool  `json:"success"`
	Data    []Tag `json:"data"`
}

// SaveDocumentResponse is returned by POST /saveDocumentEntry
type SaveDocumentResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Data    *Document `json:"data"`
}
