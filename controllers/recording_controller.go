package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"voicenotes/services"
)

type RecordingController struct {
	store services.RecordingStore
}

func NewRecordingController(store services.RecordingStore) *RecordingController {
	return &RecordingController{store: store}
}

func (ctl *RecordingController) RegisterRoutes(r gin.IRouter) {
	recs := r.Group("/api/recordings")
	recs.GET("", ctl.List)
	recs.GET("/:id", ctl.Get)
	recs.PATCH("/:id", ctl.Update)
	recs.DELETE("/:id", ctl.Delete)
}

// List returns the user's recordings newest first; with ?q= it runs a
// text search over titles and transcripts instead.
func (ctl *RecordingController) List(c *gin.Context) {
	uid := userID(c)

	var err error
	var recs any
	if query := c.Query("q"); query != "" {
		recs, err = ctl.store.Search(c.Request.Context(), uid, query)
	} else {
		recs, err = ctl.store.ListByUser(c.Request.Context(), uid)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}

func (ctl *RecordingController) Get(c *gin.Context) {
	rec, err := ctl.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(recordingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if rec.UserID != userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": services.ErrRecordingNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (ctl *RecordingController) Update(c *gin.Context) {
	var req struct {
		Title *string   `json:"title"`
		Tags  *[]string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := ctl.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(recordingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if rec.UserID != userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": services.ErrRecordingNotFound.Error()})
		return
	}

	if req.Title != nil {
		rec.Title = *req.Title
	}
	if req.Tags != nil {
		rec.Tags = *req.Tags
	}

	if err := ctl.store.Update(c.Request.Context(), rec); err != nil {
		c.JSON(recordingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (ctl *RecordingController) Delete(c *gin.Context) {
	if err := ctl.store.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		c.JSON(recordingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func recordingErrorStatus(err error) int {
	if errors.Is(err, services.ErrRecordingNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
