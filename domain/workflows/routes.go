package workflows

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the trigger routes with the Echo router
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/branches")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:name", h.Get)
	g.DELETE("/:name", h.Delete)
	g.POST("/:name/rebase", h.Rebase)
	g.POST("/:name/merge", h.Merge)
	g.POST("/:name/validate", h.Validate)
	g.GET("/:name/diff", h.Diff)
	g.POST("/:name/schema", h.LoadSchema)
	g.GET("/:name/proposed-changes", h.ListProposedChanges)

	pc := e.Group("/api/proposed-changes")
	pc.POST("", h.CreateProposedChange)
	pc.POST("/:id/close", h.CloseProposedChange)

	j := e.Group("/api/jobs")
	j.GET("/stats", h.JobStats)
	j.GET("/:id", h.GetJob)
}
