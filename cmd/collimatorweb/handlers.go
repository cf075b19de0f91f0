package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cargoxray/collimator/beam"
	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/internal/projectstore"
	"github.com/cargoxray/collimator/raytrace"
)

// storeStatus maps a projectstore error to an HTTP status, so a missing
// project and a broken database connection don't both surface as 500s.
func storeStatus(err error) int {
	var ce *colliderr.Error
	if errors.As(err, &ce) && ce.Kind == colliderr.NotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// server binds the engine, the optional project store and the in-memory
// job manager to gin's handler methods. The *gin.Engine is held in the
// named router field, not embedded.
type server struct {
	router *gin.Engine
	engine *beam.Engine
	store  projectstore.Store // nil disables persistence entirely
	jobs   *JobManager
	log    *logrus.Logger
}

func newServer(engine *beam.Engine, store projectstore.Store, jobs *JobManager, log *logrus.Logger) *server {
	s := &server{router: gin.Default(), engine: engine, store: store, jobs: jobs, log: log}
	s.setupRoutes()
	return s
}

func (s *server) setupRoutes() {
	s.router.POST("/simulations", s.handleStartSimulation)
	s.router.GET("/simulations/:id", s.handleGetSimulation)
	s.router.DELETE("/simulations/:id", s.handleCancelSimulation)

	if s.store != nil {
		s.router.POST("/projects", s.handleCreateProject)
		s.router.GET("/projects", s.handleListProjects)
		s.router.GET("/projects/:id", s.handleGetProject)
		s.router.POST("/projects/:id/versions", s.handleSaveVersion)
		s.router.POST("/projects/:id/versions/:number/restore", s.handleRestoreVersion)
		s.router.PUT("/projects/:id/notes", s.handleSetNotes)
		s.router.POST("/projects/:id/results", s.handleAppendResult)
	}
}

type simulationRequest struct {
	Geometry raytrace.Geometry     `json:"geometry"`
	Config   beam.SimulationConfig `json:"config"`
}

func (s *server) handleStartSimulation(c *gin.Context) {
	var req simulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Config.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Geometry.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := s.jobs.Start(s.engine, req.Geometry, req.Config)
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *server) handleGetSimulation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, ok := s.jobs.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *server) handleCancelSimulation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if !s.jobs.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type createProjectRequest struct {
	Name     string            `json:"name"`
	Geometry raytrace.Geometry `json:"geometry"`
}

func (s *server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Geometry.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := s.store.CreateProject(c.Request.Context(), req.Name, req.Geometry)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *server) projectID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *server) handleGetProject(c *gin.Context) {
	id, ok := s.projectID(c)
	if !ok {
		return
	}
	project, err := s.store.GetProject(c.Request.Context(), id)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project":    project,
		"notes_html": projectstore.RenderNotesHTML(project.Notes),
	})
}

type saveVersionRequest struct {
	Geometry   raytrace.Geometry `json:"geometry"`
	ChangeNote string            `json:"change_note"`
}

func (s *server) handleSaveVersion(c *gin.Context) {
	id, ok := s.projectID(c)
	if !ok {
		return
	}
	var req saveVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Geometry.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.store.SaveVersion(c.Request.Context(), id, req.Geometry, req.ChangeNote)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *server) handleRestoreVersion(c *gin.Context) {
	id, ok := s.projectID(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version number"})
		return
	}
	v, err := s.store.RestoreVersion(c.Request.Context(), id, number)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, v)
}

type setNotesRequest struct {
	Notes string `json:"notes"`
}

func (s *server) handleSetNotes(c *gin.Context) {
	id, ok := s.projectID(c)
	if !ok {
		return
	}
	var req setNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetNotes(c.Request.Context(), id, req.Notes); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleAppendResult(c *gin.Context) {
	id, ok := s.projectID(c)
	if !ok {
		return
	}
	var result beam.SimulationResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.AppendResult(c.Request.Context(), id, &result); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
