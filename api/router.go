package api

import (
	"vocalscribe/artifact"
	"vocalscribe/config"
	"vocalscribe/logger"
	"vocalscribe/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, store *artifact.Store, cfg *config.Config, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log), CORS(cfg.CORSOrigins))
	r.MaxMultipartMemory = 32 << 20

	h := NewHandler(tm, store, cfg, log)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.POST("/upload", h.handleUpload)

	r.GET("/tasks", h.handleListTasks)
	r.GET("/tasks/:taskId", h.handleGetTaskStatus)

	// Artifacts are addressed by task id plus filename inside the task directory.
	r.GET("/audio/:taskId/:filename", h.handleGetFile)
	r.POST("/save/:taskId", h.handleSave)
	r.GET("/export/:taskId", h.handleExport)

	return r
}
