package chat

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medrx/adminchat/internal/platform/auth"
	"github.com/medrx/adminchat/internal/platform/blobstore"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(RoleAdmin))
	admin.GET("/chat/doctors-list", h.ListDoctors)
	admin.POST("/chat/doctors", h.RegisterDoctor)
	admin.GET("/chat/messages/:id", h.History)
	admin.POST("/chat/mark-seen", h.MarkSeen)
	admin.PUT("/chat/message/update/:id", h.UpdateMessage)
	admin.POST("/chat/message/update/:id", h.UpdateMessage)
	admin.DELETE("/chat/message/delete/:id", h.DeleteMessage)
	admin.POST("/chat-session/admin-response/:id", h.Reply)

	shared := api.Group("", auth.RequireRole(RoleAdmin, RoleDoctor))
	shared.POST("/chat/send", h.Send)
	shared.GET("/chat-session/session/:id", h.GetSession)
	shared.POST("/chat-session/:id/upload-file", h.UploadFile)

	doctor := api.Group("", auth.RequireRole(RoleDoctor))
	doctor.POST("/chat-session/open", h.OpenSession)
	doctor.POST("/chat-session/doctor-reply/:id", h.Reply)
}

func callerOf(c echo.Context) Caller {
	ctx := c.Request().Context()
	return Caller{ID: auth.UserIDFromContext(ctx), Role: auth.RoleFromContext(ctx)}
}

// httpError maps service and repository errors to HTTP errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotEditable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrMissingFileName):
		return blobstore.HTTPError(err)
	}
	return err
}

// -- Doctors --

func (h *Handler) ListDoctors(c echo.Context) error {
	items, err := h.svc.ListDoctors(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Doctor{}
	}
	return c.JSON(http.StatusOK, map[string]any{"doctors": items})
}

func (h *Handler) RegisterDoctor(c echo.Context) error {
	var req CreateDoctorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d := &Doctor{ID: req.ID, Name: req.Name, Email: req.Email}
	if err := h.svc.RegisterDoctor(c.Request().Context(), d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// -- Doctor chat --

func (h *Handler) History(c echo.Context) error {
	items, err := h.svc.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": items})
}

func (h *Handler) Send(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.Send(c.Request().Context(), callerOf(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"msg": m})
}

func (h *Handler) MarkSeen(c echo.Context) error {
	var req MarkSeenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.MarkSeen(c.Request().Context(), req.DoctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "updated": n})
}

func (h *Handler) UpdateMessage(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.UpdateMessage(c.Request().Context(), callerOf(c), c.Param("id"), req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"updatedMsg": m})
}

func (h *Handler) DeleteMessage(c echo.Context) error {
	m, err := h.svc.DeleteMessage(c.Request().Context(), callerOf(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "messageId": m.ID, "doctorId": m.DoctorID})
}

// -- Sessions --

func (h *Handler) OpenSession(c echo.Context) error {
	var req OpenSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.OpenSession(c.Request().Context(), callerOf(c), req.Question)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	detail, err := h.svc.GetSession(c.Request().Context(), callerOf(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) Reply(c echo.Context) error {
	var req ReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.Reply(c.Request().Context(), callerOf(c), c.Param("id"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"msg": m.ToSessionView()})
}

func (h *Handler) UploadFile(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer f.Close()

	m, err := h.svc.UploadFile(c.Request().Context(), callerOf(c), c.Param("id"),
		fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"msg": m.ToSessionView()})
}
