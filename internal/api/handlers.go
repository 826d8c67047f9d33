package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pivotcache/internal/cube"
	"pivotcache/internal/engine"
	"pivotcache/internal/facttable"
	"pivotcache/internal/models"
	"pivotcache/internal/snapshot"
)

type Options struct {
	Store         *snapshot.Store
	Save          engine.SaveOptions
	CompleteRatio float64
	Logger        *slog.Logger
}

type Handler struct {
	sessions *sessions
	logger   *slog.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CompleteRatio == 0 {
		opts.CompleteRatio = engine.DefaultCompleteRatio
	}
	return &Handler{
		sessions: newSessions(opts.Store, opts.Save, opts.CompleteRatio, opts.Logger),
		logger:   opts.Logger,
	}
}

// SetBackend makes the API live. Until it is called every cube endpoint
// answers 503.
func (h *Handler) SetBackend(c *cube.Cube, backend engine.CubeBackend, layout engine.Layout) {
	h.sessions.setSource(&source{cube: c, backend: backend, layout: layout})
}

// Close releases every session engine.
func (h *Handler) Close() { h.sessions.closeAll() }

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/cube", h.GetCube)
	api.GET("/levels/:level/members", h.GetMembers)

	api.POST("/sessions", h.CreateSession)
	s := api.Group("/sessions/:id")
	s.DELETE("", h.DeleteSession)
	s.POST("/cells", h.GetCells)
	s.POST("/fetch", h.Fetch)
	s.PUT("/filters/:level", h.SetFilter)
	s.DELETE("/filters/:level", h.ClearFilter)
	s.POST("/drillthrough", h.Drillthrough)
	s.POST("/writeback", h.Writeback)
	s.POST("/clear", h.Clear)
	s.POST("/suspend", h.Suspend)
	s.POST("/resume", h.Resume)
}

// --- HANDLERS ---
func getPaginationParams(c echo.Context, defaultLimit int) (int, int) {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// statusOf maps package errors to HTTP status codes.
func statusOf(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, ErrLoading):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNoSession), errors.Is(err, snapshot.ErrNotFound),
		errors.Is(err, facttable.ErrNoMatchingRows):
		return http.StatusNotFound
	case errors.Is(err, ErrNoSnapshots):
		return http.StatusNotImplemented
	case errors.Is(err, engine.ErrClosed):
		return http.StatusGone
	case errors.Is(err, engine.ErrMalformedCoordinate), errors.Is(err, engine.ErrNoMeasure),
		errors.Is(err, engine.ErrUnknownMode), errors.Is(err, cube.ErrUnknownLevel),
		errors.Is(err, cube.ErrUnknownMember), errors.Is(err, cube.ErrUnknownMeasure),
		errors.Is(err, facttable.ErrUnknownColumn), errors.Is(err, engine.ErrBadSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAmbiguousFilter), errors.Is(err, engine.ErrCalculatedDrillthrough),
		errors.Is(err, facttable.ErrNotWritable), errors.Is(err, engine.ErrNoShowModeHandler),
		errors.Is(err, engine.ErrAddressSpaceOverflow):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c echo.Context, err error) error {
	code := statusOf(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.logger.Error("request failed", slog.String("path", c.Path()), slog.String("error", err.Error()))
	}
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	return c.JSON(code, models.Error{Message: msg})
}

func badRequest(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func (h *Handler) Health(c echo.Context) error {
	src, err := h.sessions.current()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, models.Health{Status: "loading"})
	}
	out := models.Health{Status: "ok", Sessions: h.sessions.len()}
	if r, ok := src.backend.(interface{ Rows() int }); ok {
		out.Rows = r.Rows()
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetCube(c echo.Context) error {
	src, err := h.sessions.current()
	if err != nil {
		return h.fail(c, err)
	}
	out := models.CubeInfo{Name: src.cube.Name}
	for _, hier := range src.cube.Hierarchies() {
		hi := models.HierarchyInfo{Name: hier.Name, DisplayName: hier.DisplayName}
		for _, l := range hier.Levels {
			hi.Levels = append(hi.Levels, models.LevelInfo{ID: l.ID, Name: l.Name, Members: l.Len(), ParentChild: l.ParentChild})
		}
		out.Hierarchies = append(out.Hierarchies, hi)
	}
	for _, m := range src.cube.Measures() {
		mi := models.MeasureInfo{ID: m.ID, Name: m.Name, Format: m.Format}
		if m.IsCalculated() {
			mi.Expression = m.Expression.String()
		} else {
			mi.Aggregate = aggregateName(m.Aggregate)
		}
		for _, sm := range m.ShowModes {
			mi.ShowModes = append(mi.ShowModes, sm.Name)
		}
		out.Measures = append(out.Measures, mi)
	}
	return c.JSON(http.StatusOK, out)
}

func aggregateName(a cube.Aggregate) string {
	switch a {
	case cube.AggCount:
		return "count"
	case cube.AggMin:
		return "min"
	case cube.AggMax:
		return "max"
	case cube.AggAvg:
		return "avg"
	}
	return "sum"
}

// GetMembers lists a level's members, paginated like the rest of the API.
func (h *Handler) GetMembers(c echo.Context) error {
	src, err := h.sessions.current()
	if err != nil {
		return h.fail(c, err)
	}
	level, err := resolveLevel(src.cube, c.Param("level"))
	if err != nil {
		return h.fail(c, err)
	}
	members := level.Members()
	total := len(members)
	limit, offset := getPaginationParams(c, total)

	page := models.Page[models.MemberInfo]{Data: []models.MemberInfo{}, Total: total, Limit: limit, Offset: offset}
	if offset < total {
		end := min(offset+limit, total)
		for _, m := range members[offset:end] {
			mi := models.MemberInfo{ID: m.ID, Name: m.Name, UniqueName: m.UniqueName(), Calculated: m.IsCalculated()}
			if m.Parent != nil {
				mi.Parent = m.Parent.UniqueName()
			}
			page.Data = append(page.Data, mi)
		}
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) CreateSession(c echo.Context) error {
	id, err := h.sessions.create()
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, models.Session{ID: id.String()})
}

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("bad session id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handler) session(c echo.Context) (*engine.Engine, error) {
	id, err := sessionID(c)
	if err != nil {
		return nil, err
	}
	return h.sessions.get(id)
}

func (h *Handler) DeleteSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.sessions.delete(id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetCells resolves a batch of cells. Per-cell failures are reported in
// the cell, not as a request error.
func (h *Handler) GetCells(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req models.CellsRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, err)
	}
	ctx := c.Request().Context()
	out := make([]models.CellResult, len(req.Cells))
	for i, ref := range req.Cells {
		coord, err := resolveCell(e, ref)
		if err != nil {
			out[i] = models.CellResult{Token: ref.Token, Error: err.Error()}
			continue
		}
		cell, ok, err := e.FormattedValue(ctx, coord)
		res := models.CellResult{Token: coord.String(), OK: ok}
		switch {
		case err != nil:
			res.Error = err.Error()
		case ok:
			res.Value, res.Formatted, res.Color, res.Font = cell.Value, cell.Formatted, cell.Color, cell.Font
		}
		out[i] = res
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Fetch(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req models.FetchRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, err)
	}
	cb := e.Cube()
	m, ok := cb.MeasureByName(req.Measure)
	if !ok {
		return h.fail(c, fmt.Errorf("%w: %q", cube.ErrUnknownMeasure, req.Measure))
	}
	mode, err := resolveMode(m, req.Mode)
	if err != nil {
		return h.fail(c, err)
	}
	fr := engine.FetchRequest{Measure: m, Mode: mode, Members: make(map[*cube.Level][]*cube.Member)}
	for _, name := range req.Levels {
		l, err := resolveLevel(cb, name)
		if err != nil {
			return h.fail(c, err)
		}
		fr.Levels = append(fr.Levels, l)
	}
	for name, uniques := range req.Members {
		l, err := resolveLevel(cb, name)
		if err != nil {
			return h.fail(c, err)
		}
		members, err := resolveMembers(cb, uniques)
		if err != nil {
			return h.fail(c, err)
		}
		fr.Members[l] = members
	}
	plan, err := e.Fetch(c.Request().Context(), fr)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, models.FetchResult{Plan: plan.String()})
}

func (h *Handler) SetFilter(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	level, err := resolveLevel(e.Cube(), c.Param("level"))
	if err != nil {
		return h.fail(c, err)
	}
	var req models.FilterRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, err)
	}
	members, err := resolveMembers(e.Cube(), req.Members)
	if err != nil {
		return h.fail(c, err)
	}
	if err := e.SetFilter(level, members...); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ClearFilter(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	level, err := resolveLevel(e.Cube(), c.Param("level"))
	if err != nil {
		return h.fail(c, err)
	}
	if err := e.ClearFilter(level); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Drillthrough(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req models.DrillthroughRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, err)
	}
	coord, err := resolveCell(e, req.Cell)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := e.Drillthrough(c.Request().Context(), coord, req.RowLimit, req.Columns)
	if err != nil {
		return h.fail(c, err)
	}
	out := models.DrillthroughResult{Columns: res.Columns, Rows: res.Rows}
	if out.Rows == nil {
		out.Rows = [][]string{}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Writeback(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req models.WritebackRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, err)
	}
	method, err := engine.ParseDistribution(req.Method)
	if err != nil {
		return h.fail(c, badRequest("%v", err))
	}
	coord, err := resolveCell(e, req.Cell)
	if err != nil {
		return h.fail(c, err)
	}
	if err := e.Writeback(c.Request().Context(), coord, req.Value, method); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Clear(c echo.Context) error {
	e, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	e.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Suspend(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.sessions.suspend(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) Resume(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.sessions.resume(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, models.Session{ID: id.String()})
}

// resolveLevel accepts "Hierarchy.Level", a bare level name or a level id.
func resolveLevel(cb *cube.Cube, name string) (*cube.Level, error) {
	if hname, lname, ok := strings.Cut(name, "."); ok {
		if hier, found := cb.HierarchyByName(hname); found {
			for _, l := range hier.Levels {
				if l.Name == lname {
					return l, nil
				}
			}
		}
	}
	if l, ok := cb.LevelByName(name); ok {
		return l, nil
	}
	if id, err := strconv.Atoi(name); err == nil {
		if l, ok := cb.Level(id); ok {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", cube.ErrUnknownLevel, name)
}

func resolveMembers(cb *cube.Cube, uniques []string) ([]*cube.Member, error) {
	out := make([]*cube.Member, 0, len(uniques))
	for _, u := range uniques {
		m, ok := cb.MemberByUniqueName(u)
		if !ok {
			return nil, fmt.Errorf("%w: %s", cube.ErrUnknownMember, u)
		}
		out = append(out, m)
	}
	return out, nil
}

// resolveMode finds a show mode by name or id. Empty means the value mode.
func resolveMode(m *cube.Measure, name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	for _, sm := range m.ShowModes {
		if sm.Name == name || strconv.Itoa(sm.ID) == name {
			return sm.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %q of measure %s", engine.ErrUnknownMode, name, m.Name)
}

func resolveCell(e *engine.Engine, ref models.CellRef) (*engine.Coordinate, error) {
	if ref.Token != "" {
		coord, ok, err := e.ParseCoordinate(ref.Token)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: stale token %q", engine.ErrMalformedCoordinate, ref.Token)
		}
		return coord, nil
	}
	cb := e.Cube()
	coord := e.NewCoordinate()
	members, err := resolveMembers(cb, ref.Members)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		coord.AddMember(m)
	}
	if ref.Measure != "" {
		m, ok := cb.MeasureByName(ref.Measure)
		if !ok {
			return nil, fmt.Errorf("%w: %q", cube.ErrUnknownMeasure, ref.Measure)
		}
		mode, err := resolveMode(m, ref.Mode)
		if err != nil {
			return nil, err
		}
		coord.SetMeasure(m)
		coord.SetMode(mode)
	}
	return coord, nil
}
