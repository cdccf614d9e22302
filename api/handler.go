package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"vocalscribe/artifact"
	"vocalscribe/config"
	"vocalscribe/export"
	"vocalscribe/logger"
	"vocalscribe/task"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// multipartOverhead is the allowance for form boundaries and headers on top of MAX_INPUT_SIZE.
const multipartOverhead = 1 << 20

type Handler struct {
	taskManager *task.Manager
	store       *artifact.Store
	cfg         *config.Config
	log         *logger.Logger
}

func NewHandler(tm *task.Manager, store *artifact.Store, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		store:       store,
		cfg:         cfg,
		log:         log,
	}
}

func (h *Handler) reqLog(c *gin.Context) *logrus.Entry {
	return h.log.WithField(requestIDKey, c.GetString(requestIDKey))
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// handleUpload stores the uploaded media in a fresh task directory and queues the pipeline.
func (h *Handler) handleUpload(c *gin.Context) {
	if h.cfg.MaxInputSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxInputSize+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			abort(c, http.StatusRequestEntityTooLarge, artifact.ErrTooLarge.Error())
			return
		}
		abort(c, http.StatusBadRequest, "a media file is required in form field \"file\"")
		return
	}

	name, err := artifact.CleanFilename(fh.Filename)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if !h.cfg.ExtensionAllowed(filepath.Ext(name)) {
		abort(c, http.StatusBadRequest, fmt.Sprintf("file type %q is not supported", filepath.Ext(name)))
		return
	}

	taskID := task.NewID()
	log := h.reqLog(c).WithField("task_id", taskID)
	dir, err := h.store.Create(taskID)
	if err != nil {
		log.WithError(err).Error("could not create task directory")
		abort(c, http.StatusInternalServerError, "could not store upload")
		return
	}

	src, err := fh.Open()
	if err != nil {
		os.RemoveAll(dir)
		abort(c, http.StatusBadRequest, "could not read uploaded file")
		return
	}
	defer src.Close()

	input, err := h.store.SaveUpload(taskID, name, src, h.cfg.MaxInputSize)
	if err != nil {
		os.RemoveAll(dir)
		if errors.Is(err, artifact.ErrTooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		log.WithError(err).Error("could not save upload")
		abort(c, http.StatusInternalServerError, "could not store upload")
		return
	}

	if _, err := h.taskManager.Submit(taskID, input, dir); err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			abort(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.WithError(err).Error("could not submit task")
		abort(c, http.StatusInternalServerError, "could not schedule task")
		return
	}

	log.WithField("filename", name).WithField("size", fh.Size).Info("upload accepted")
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": task.StatusProcessing})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.List())
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, found := h.taskManager.Get(c.Param("taskId"))
	if !found {
		abort(c, http.StatusNotFound, task.ErrNotFound.Error())
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleGetFile serves any artifact from a task directory.
func (h *Handler) handleGetFile(c *gin.Context) {
	path, err := h.store.Resolve(c.Param("taskId"), c.Param("filename"))
	if err != nil {
		abort(c, http.StatusNotFound, artifact.ErrNotFound.Error())
		return
	}
	c.File(path)
}

// handleSave stores a corrected transcript. The body must be a JSON array of objects;
// each object is kept as sent.
func (h *Handler) handleSave(c *gin.Context) {
	taskID := c.Param("taskId")
	if !h.store.Exists(taskID) {
		abort(c, http.StatusNotFound, task.ErrNotFound.Error())
		return
	}

	if h.cfg.MaxSaveSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxSaveSize)
	}
	body, err := c.GetRawData()
	if err != nil {
		if isBodyTooLarge(err) {
			abort(c, http.StatusRequestEntityTooLarge, "transcript exceeds size limit")
			return
		}
		abort(c, http.StatusBadRequest, "could not read request body")
		return
	}
	var segments []json.RawMessage
	if err := json.Unmarshal(body, &segments); err != nil || segments == nil {
		abort(c, http.StatusBadRequest, "body must be a JSON array of segment objects")
		return
	}
	for i, s := range segments {
		if trimmed := bytes.TrimSpace(s); len(trimmed) == 0 || trimmed[0] != '{' {
			abort(c, http.StatusBadRequest, fmt.Sprintf("segment %d is not an object", i))
			return
		}
	}

	path, err := h.store.Path(taskID, artifact.CorrectedTranscriptionName)
	if err == nil {
		err = artifact.WriteJSON(path, segments)
	}
	if err != nil {
		h.reqLog(c).WithField("task_id", taskID).WithError(err).Error("could not save corrected transcript")
		abort(c, http.StatusInternalServerError, "could not save transcript")
		return
	}

	h.reqLog(c).WithField("task_id", taskID).WithField("segments", len(segments)).Info("corrected transcript saved")
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// handleExport renders the latest transcript of a task as a download.
func (h *Handler) handleExport(c *gin.Context) {
	taskID := c.Param("taskId")
	if !h.store.Exists(taskID) {
		abort(c, http.StatusNotFound, task.ErrNotFound.Error())
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}

	dir, _ := h.store.Dir(taskID)
	cues, err := export.Load(dir)
	if err != nil {
		if errors.Is(err, export.ErrNoTranscript) {
			abort(c, http.StatusNotFound, err.Error())
			return
		}
		h.reqLog(c).WithField("task_id", taskID).WithError(err).Error("could not load transcript")
		abort(c, http.StatusInternalServerError, "could not load transcript")
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, cues); err != nil {
		h.reqLog(c).WithField("task_id", taskID).WithError(err).Error("could not render transcript")
		abort(c, http.StatusInternalServerError, "could not render transcript")
		return
	}

	original := taskID
	if t, ok := h.taskManager.Get(taskID); ok && t.Result != nil && t.Result.OriginalFilename != "" {
		original = t.Result.OriginalFilename
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": format.Filename(original)})
	c.Header("Content-Disposition", disposition)
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}
