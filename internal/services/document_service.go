package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// DefaultMaxUploadSize applies when no limit is configured
const DefaultMaxUploadSize int64 = 10 << 20

var documentDateLayouts = []string{"2006-01-02", "02-01-2006"}

// ParseDocumentDate accepts YYYY-MM-DD or DD-MM-YYYY. An empty string yields nil.
func ParseDocumentDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range documentDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, models.ErrInvalidDate
}

// DetectDocumentType sniffs content and returns its MIME type if it is allowed
func DetectDocumentType(content []byte) (string, error) {
	detected := mimetype.Detect(content)
	for allowed := range models.AllowedDocumentTypes {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: got %s", models.ErrUnsupportedFileType, detected.String())
}

// UploadInput is one file submitted through saveDocumentEntry
type UploadInput struct {
	OwnerID      string
	OriginalName string
	Content      io.Reader
	Data         models.DocumentUploadData
}

// DocumentService stores document bytes in GridFS and their metadata in a collection
type DocumentService struct {
	db         *mongo.Database
	collection *mongo.Collection
	bucketName string
	maxSize    int64
	clock      Clock
	logger     *logging.SafeLogger
}

// NewDocumentService creates a service over db. maxSize <= 0 means DefaultMaxUploadSize.
func NewDocumentService(db *mongo.Database, collection, bucketName string, maxSize int64, clock Clock, logger *logging.SafeLogger) (*DocumentService, error) {
	if _, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName)); err != nil {
		return nil, fmt.Errorf("failed to open GridFS bucket %q: %w", bucketName, err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &DocumentService{
		db:         db,
		collection: db.Collection(collection),
		bucketName: bucketName,
		maxSize:    maxSize,
		clock:      clock,
		logger:     logger.Named("documents"),
	}, nil
}

// bucketFor opens the GridFS bucket bounded by ctx's deadline. gridfs keeps deadlines
// on the bucket, so each call opens its own.
func (s *DocumentService) bucketFor(ctx context.Context) (*gridfs.Bucket, error) {
	bucket, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(s.bucketName))
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := bucket.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
		if err := bucket.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return bucket, nil
}

// MaxUploadSize returns the largest accepted file in bytes
func (s *DocumentService) MaxUploadSize() int64 {
	return s.maxSize
}

// Upload validates and stores one file with its metadata
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	ctx, span, cleanup := utils.TraceOperation(ctx, "documents.upload", map[string]interface{}{
		"document.major_head": in.Data.MajorHead,
	})
	defer cleanup()

	owner, err := primitive.ObjectIDFromHex(in.OwnerID)
	if err != nil {
		return nil, models.ErrInvalidToken
	}

	content, err := io.ReadAll(io.LimitReader(in.Content, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(content)) > s.maxSize {
		return nil, models.ErrFileTooLarge
	}

	mimeType, err := DetectDocumentType(content)
	if err != nil {
		return nil, err
	}

	documentDate, err := ParseDocumentDate(in.Data.DocumentDate)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	filename := uuid.NewString() + models.AllowedDocumentTypes[mimeType]

	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"content_type":  mimeType,
		"original_name": in.OriginalName,
		"uploaded_by":   owner,
	})
	bucket, err := s.bucketFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gridfs bucket: %w", models.ErrStorage, err)
	}
	fileID, err := bucket.UploadFromStream(filename, bytes.NewReader(content), uploadOpts)
	if err != nil {
		utils.RecordError(span, err)
		s.logger.Error("failed to store document bytes", zap.Error(err))
		return nil, fmt.Errorf("%w: gridfs upload: %w", models.ErrStorage, err)
	}

	doc := &models.Document{
		Filename:     filename,
		OriginalName: in.OriginalName,
		FileSize:     int64(len(content)),
		MimeType:     mimeType,
		MajorHead:    in.Data.MajorHead,
		MinorHead:    strings.TrimSpace(in.Data.MinorHead),
		DocumentDate: documentDate,
		Tags:         models.NormalizeTags(in.Data.Tags),
		Remarks:      strings.TrimSpace(in.Data.DocumentRemarks),
		UploadedBy:   owner,
		UploadDate:   now,
		GridFSID:     fileID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		if delErr := bucket.Delete(fileID); delErr != nil {
			s.logger.Warn("failed to remove orphaned GridFS file", zap.String("file_id", fileID.Hex()), zap.Error(delErr))
		}
		observability.DatabaseOperations.WithLabelValues("document_insert", "error").Inc()
		s.logger.Error("failed to insert document metadata", zap.Error(err))
		return nil, fmt.Errorf("%w: document insert: %w", models.ErrStorage, err)
	}
	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}

	observability.DatabaseOperations.WithLabelValues("document_insert", "success").Inc()
	observability.DocumentsUploaded.WithLabelValues(mimeType).Inc()
	s.logger.Info("document uploaded",
		zap.String("document_id", doc.ID.Hex()),
		zap.String("mime_type", mimeType),
		zap.Int64("file_size", doc.FileSize))
	return doc, nil
}

// NormalizePage clamps start and length to the accepted range
func NormalizePage(start, length int) (int, int) {
	if start < 0 {
		start = 0
	}
	if length <= 0 {
		length = models.DefaultSearchLength
	}
	if length > models.MaxSearchLength {
		length = models.MaxSearchLength
	}
	return start, length
}

// ownerScope restricts non-admins to their own documents
func ownerScope(filter bson.M, claims *models.SessionClaims, requested string) error {
	if !claims.IsAdmin() {
		owner, err := primitive.ObjectIDFromHex(claims.UserID)
		if err != nil {
			return models.ErrInvalidToken
		}
		filter["uploaded_by"] = owner
		return nil
	}
	if requested != "" {
		owner, err := primitive.ObjectIDFromHex(requested)
		if err != nil {
			return fmt.Errorf("%w: uploaded_by", models.ErrInvalidFilter)
		}
		filter["uploaded_by"] = owner
	}
	return nil
}

// BuildSearchFilter translates a search request into a MongoDB filter
func BuildSearchFilter(req models.SearchDocumentRequest, claims *models.SessionClaims) (bson.M, error) {
	filter := bson.M{}
	if err := ownerScope(filter, claims, req.UploadedBy); err != nil {
		return nil, err
	}

	if req.MajorHead != "" {
		filter["major_head"] = req.MajorHead
	}
	if minor := strings.TrimSpace(req.MinorHead); minor != "" {
		filter["minor_head"] = minor
	}

	from, err := ParseDocumentDate(req.FromDate)
	if err != nil {
		return nil, err
	}
	to, err := ParseDocumentDate(req.ToDate)
	if err != nil {
		return nil, err
	}
	if from != nil || to != nil {
		dateRange := bson.M{}
		if from != nil {
			dateRange["$gte"] = *from
		}
		if to != nil {
			// Inclusive of the whole end day
			dateRange["$lt"] = to.Add(24 * time.Hour)
		}
		filter["document_date"] = dateRange
	}

	if tags := models.NormalizeTags(req.Tags); len(tags) > 0 {
		names := make([]string, len(tags))
		for i, t := range tags {
			names[i] = t.TagName
		}
		filter["tags.tag_name"] = bson.M{"$in": names}
	}

	if term := strings.TrimSpace(req.Search.Value); term != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(term), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"remarks": pattern},
			bson.M{"original_name": pattern},
			bson.M{"minor_head": pattern},
		}
	}
	return filter, nil
}

// Search returns one page of matching documents, newest first, and the total match count
func (s *DocumentService) Search(ctx context.Context, req models.SearchDocumentRequest, claims *models.SessionClaims) ([]models.Document, int64, error) {
	ctx, _, cleanup := utils.TraceDatabaseOperation(ctx, "find", s.collection.Name())
	defer cleanup()

	filter, err := BuildSearchFilter(req, claims)
	if err != nil {
		return nil, 0, err
	}
	start, length := NormalizePage(req.Start, req.Length)

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		s.logger.Error("failed to count documents", zap.Error(err))
		return nil, 0, fmt.Errorf("%w: document count: %w", models.ErrStorage, err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "upload_date", Value: -1}}).
		SetSkip(int64(start)).
		SetLimit(int64(length))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		s.logger.Error("failed to search documents", zap.Error(err))
		return nil, 0, fmt.Errorf("%w: document search: %w", models.ErrStorage, err)
	}
	defer cursor.Close(ctx)

	docs := []models.Document{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("%w: document decode: %w", models.ErrStorage, err)
	}
	return docs, total, nil
}

// FilterTags keeps the names starting with term, case-insensitively, sorted and deduplicated
func FilterTags(names []string, term string) []models.Tag {
	term = strings.ToLower(strings.TrimSpace(term))
	seen := map[string]bool{}
	var matched []string
	for _, name := range names {
		key := strings.ToLower(name)
		if seen[key] || !strings.HasPrefix(key, term) {
			continue
		}
		seen[key] = true
		matched = append(matched, name)
	}
	sort.Slice(matched, func(i, j int) bool {
		return strings.ToLower(matched[i]) < strings.ToLower(matched[j])
	})

	out := make([]models.Tag, len(matched))
	for i, name := range matched {
		out[i] = models.Tag{TagName: name}
	}
	return out
}

// Tags suggests existing tag names starting with term
func (s *DocumentService) Tags(ctx context.Context, term string, claims *models.SessionClaims) ([]models.Tag, error) {
	filter := bson.M{}
	if err := ownerScope(filter, claims, ""); err != nil {
		return nil, err
	}

	values, err := s.collection.Distinct(ctx, "tags.tag_name", filter)
	if err != nil {
		s.logger.Error("failed to list document tags", zap.Error(err))
		return nil, fmt.Errorf("%w: document tags: %w", models.ErrStorage, err)
	}

	names := make([]string, 0, len(values))
	for _, v := range values {
		if name, ok := v.(string); ok {
			names = append(names, name)
		}
	}
	return FilterTags(names, term), nil
}

// Download opens the stored bytes of a document the caller may read
func (s *DocumentService) Download(ctx context.Context, id string, claims *models.SessionClaims) (*models.Document, io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil, models.ErrInvalidDocumentID
	}

	var doc models.Document
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, models.ErrDocumentNotFound
		}
		return nil, nil, fmt.Errorf("%w: document find: %w", models.ErrStorage, err)
	}

	if !claims.IsAdmin() && doc.UploadedBy.Hex() != claims.UserID {
		return nil, nil, models.ErrForbidden
	}

	bucket, err := s.bucketFor(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gridfs bucket: %w", models.ErrStorage, err)
	}
	stream, err := bucket.OpenDownloadStream(doc.GridFSID)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, nil, models.ErrDocumentNotFound
		}
		return nil, nil, fmt.Errorf("%w: gridfs download: %w", models.ErrStorage, err)
	}
	// Chunk reads happen after we return, the stream needs its own deadline
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetReadDeadline(deadline); err != nil {
			_ = stream.Close()
			return nil, nil, fmt.Errorf("%w: gridfs download: %w", models.ErrStorage, err)
		}
	}
	return &doc, stream, nil
}
