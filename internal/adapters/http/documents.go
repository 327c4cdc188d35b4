package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

type documentListResponse struct {
	Documents []domain.Document `json:"documents"`
	Count     int               `json:"count"`
}

type versionListResponse struct {
	Versions []domain.Version `json:"versions"`
	Count    int              `json:"count"`
}

type editDocumentRequest struct {
	Title *string   `json:"title"`
	Tags  *[]string `json:"tags"`
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	file, ok := rt.readUpload(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()

	docType, err := domain.ParseDocumentType(r.FormValue("type"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	meta := domain.UploadMetadata{
		Title:      r.FormValue("title"),
		Type:       docType,
		UploadedBy: r.FormValue("uploaded_by"),
		Tags:       parseTags(r.MultipartForm.Value["tags"]),
	}

	doc, err := rt.uploader.Submit(r.Context(), r.PathValue("patient_id"), meta, file)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSubmitted(serviceName, string(doc.Type))
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) addVersion(w http.ResponseWriter, r *http.Request) {
	file, ok := rt.readUpload(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()

	doc, err := rt.uploader.AddVersion(r.Context(), r.PathValue("document_id"), r.FormValue("uploaded_by"), file)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordVersionAdded(serviceName)
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDocumentFilter(r.URL.Query())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	docs, err := rt.queries.Query(r.Context(), r.PathValue("patient_id"), filter)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, documentListResponse{Documents: docs, Count: len(docs)})
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.queries.GetByID(r.Context(), r.PathValue("document_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) editDocument(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEditBodyBytes))
	decoder.DisallowUnknownFields()

	var req editDocumentRequest
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}

	doc, err := rt.manager.Edit(r.Context(), r.PathValue("document_id"), domain.EditRequest{
		Title: req.Title,
		Tags:  req.Tags,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.manager.Delete(r.Context(), r.PathValue("document_id")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := rt.queries.GetVersions(r.Context(), r.PathValue("document_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []domain.Version{}
	}
	writeJSON(w, http.StatusOK, versionListResponse{Versions: versions, Count: len(versions)})
}

func (rt *Router) versionContent(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || number < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version must be a positive integer"})
		return
	}

	version, body, err := rt.queries.OpenVersion(r.Context(), r.PathValue("document_id"), number)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(filepath.Ext(version.FileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": version.FileName}))
	if version.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(version.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		rt.logger.Warn("version_content_stream_failed",
			"request_id", requestIDFromContext(r.Context()),
			"document_id", r.PathValue("document_id"),
			"version", number,
			"error", err,
		)
	}
}

// readUpload parses the multipart body and reads the "file" part. On failure
// it has already written the response.
func (rt *Router) readUpload(w http.ResponseWriter, r *http.Request) (domain.UploadFile, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		writeUploadError(w, err)
		return domain.UploadFile{}, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return domain.UploadFile{}, false
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		writeUploadError(w, err)
		return domain.UploadFile{}, false
	}
	return domain.UploadFile{Name: header.Filename, Content: content}, true
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form: " + err.Error()})
}
