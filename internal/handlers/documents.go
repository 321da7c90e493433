package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/middleware"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/services"
	"go.uber.org/zap"
)

// multipartOverhead is allowed on top of the file size limit for the form envelope
const multipartOverhead = 1 << 20

// DocumentManager stores, searches and serves documents
type DocumentManager interface {
	MaxUploadSize() int64
	Upload(ctx context.Context, in services.UploadInput) (*models.Document, error)
	Search(ctx context.Context, req models.SearchDocumentRequest, claims *models.SessionClaims) ([]models.Document, int64, error)
	Tags(ctx context.Context, term string, claims *models.SessionClaims) ([]models.Tag, error)
	Download(ctx context.Context, id string, claims *models.SessionClaims) (*models.Document, io.ReadCloser, error)
}

// DocumentHandlers serves the document endpoints. Every route requires a session.
type DocumentHandlers struct {
	logger    *logging.SafeLogger
	documents DocumentManager
}

// NewDocumentHandlers creates a new document handlers instance
func NewDocumentHandlers(logger *logging.SafeLogger, documents DocumentManager) *DocumentHandlers {
	return &DocumentHandlers{
		logger:    logger.Named("document_handlers"),
		documents: documents,
	}
}

func requireClaims(c *gin.Context) (*models.SessionClaims, bool) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "Access denied. No token provided.")
		return nil, false
	}
	return claims, true
}

// SaveDocument godoc
// @Summary Upload a document
// @Description Stores a PDF, JPEG or PNG file with its metadata. The "data" form field carries
// @Description the metadata as JSON.
// @Tags documents
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Document file"
// @Param data formData string true "Metadata JSON (major_head, minor_head, document_date, document_remarks, tags)"
// @Security BearerAuth
// @Success 200 {object} models.SaveDocumentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 415 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /saveDocumentEntry [post]
func (h *DocumentHandlers) SaveDocument(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.documents.MaxUploadSize()+multipartOverhead)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(c, http.StatusRequestEntityTooLarge, "File is too large")
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: validationFailedMessage,
			Errors:  []models.FieldError{{Field: "file", Message: "file is required"}},
		})
		return
	}
	defer file.Close()

	var data models.DocumentUploadData
	if err := binding.JSON.BindBody([]byte(c.PostForm("data")), &data); err != nil {
		respondValidation(c, err)
		return
	}

	doc, err := h.documents.Upload(c.Request.Context(), services.UploadInput{
		OwnerID:      claims.UserID,
		OriginalName: header.Filename,
		Content:      file,
		Data:         data,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrFileTooLarge):
			respondError(c, http.StatusRequestEntityTooLarge, "File is too large")
		case errors.Is(err, models.ErrUnsupportedFileType):
			respondError(c, http.StatusUnsupportedMediaType, "Only PDF, JPEG and PNG files are allowed")
		case errors.Is(err, models.ErrInvalidDate):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Success: false,
				Message: validationFailedMessage,
				Errors:  []models.FieldError{{Field: "document_date", Message: "Invalid date, expected YYYY-MM-DD or DD-MM-YYYY"}},
			})
		case errors.Is(err, models.ErrInvalidToken):
			respondError(c, http.StatusUnauthorized, "Invalid token")
		default:
			h.logger.Error("failed to save document", zap.String("user_id", claims.UserID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Failed to save document")
		}
		return
	}

	c.JSON(http.StatusOK, models.SaveDocumentResponse{
		Success: true,
		Message: "Document uploaded successfully",
		Data:    doc,
	})
}

// SearchDocuments godoc
// @Summary Search documents
// @Description Filters documents by head, date range, tags and free text. Regular users only
// @Description see their own documents.
// @Tags documents
// @Accept json
// @Produce json
// @Param data body models.SearchDocumentRequest false "Search filters"
// @Security BearerAuth
// @Success 200 {object} models.SearchDocumentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /searchDocumentEntry [post]
func (h *DocumentHandlers) SearchDocuments(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	var req models.SearchDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondValidation(c, err)
		return
	}

	docs, total, err := h.documents.Search(c.Request.Context(), req, claims)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidFilter), errors.Is(err, models.ErrInvalidDate):
			respondError(c, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to search documents", zap.String("user_id", claims.UserID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Failed to search documents")
		}
		return
	}

	if docs == nil {
		docs = []models.Document{}
	}
	c.JSON(http.StatusOK, models.SearchDocumentResponse{
		Success:      true,
		Data:         docs,
		RecordsTotal: total,
	})
}

// DocumentTags godoc
// @Summary Suggest tags
// @Description Returns the distinct tag names starting with term, case-insensitively.
// @Tags documents
// @Accept json
// @Produce json
// @Param data body models.DocumentTagsRequest false "Prefix"
// @Security BearerAuth
// @Success 200 {object} models.DocumentTagsResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /documentTags [post]
func (h *DocumentHandlers) DocumentTags(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	var req models.DocumentTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondValidation(c, err)
		return
	}

	tags, err := h.documents.Tags(c.Request.Context(), req.Term, claims)
	if err != nil {
		h.logger.Error("failed to list document tags", zap.String("user_id", claims.UserID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to fetch tags")
		return
	}

	if tags == nil {
		tags = []models.Tag{}
	}
	c.JSON(http.StatusOK, models.DocumentTagsResponse{Success: true, Data: tags})
}

// DownloadDocument godoc
// @Summary Download a document
// @Description Streams the stored file. Only the owner or an admin may download it.
// @Tags documents
// @Produce octet-stream
// @Param id path string true "Document ID"
// @Security BearerAuth
// @Success 200 {file} file
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /documents/{id}/download [get]
func (h *DocumentHandlers) DownloadDocument(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	doc, stream, err := h.documents.Download(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidDocumentID):
			respondError(c, http.StatusBadRequest, "Invalid document ID")
		case errors.Is(err, models.ErrForbidden):
			respondError(c, http.StatusForbidden, "Access denied")
		case errors.Is(err, models.ErrDocumentNotFound):
			respondError(c, http.StatusNotFound, "Document not found")
		default:
			h.logger.Error("failed to open document", zap.String("document_id", c.Param("id")), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Failed to download document")
		}
		return
	}
	defer stream.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": doc.OriginalName})
	if disposition == "" {
		disposition = mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename})
	}
	c.DataFromReader(http.StatusOK, doc.FileSize, doc.MimeType, stream, map[string]string{
		"Content-Disposition": disposition,
	})
}

var _ DocumentManager = (*services.DocumentService)(nil)
