package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivotcache/internal/config"
	"pivotcache/internal/engine"
	"pivotcache/internal/facttable"
	"pivotcache/internal/models"
	"pivotcache/internal/snapshot"
)

const salesCSV = `transaction_id,transaction_date,user_id,country,region,product_id,product_name,category,price,quantity,total_price,stock_quantity,added_date
T1,2021-01-15,U1,Germany,Bavaria,P1,Widget_A,Toys,10.50,2,21.00,100,2021-01-01
T2,2021-01-16,U2,France,Normandy,P2,Widget_B,Toys,20.00,1,20.00,50,2021-01-02
T3,2022-05-20,U3,Germany,Hesse,P1,Widget_A,Toys,10.50,1,10.50,99,2022-05-05
`

type testServer struct {
	t       *testing.T
	echo    *echo.Echo
	handler *Handler
}

func newTestServer(t *testing.T, load bool) *testServer {
	t.Helper()
	store, err := snapshot.Open(snapshot.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	h := NewHandler(Options{Store: store})
	h.RegisterRoutes(e)
	t.Cleanup(h.Close)

	ts := &testServer{t: t, echo: e, handler: h}
	if load {
		ts.load()
	}
	return ts
}

func (ts *testServer) load() {
	ts.t.Helper()
	cfg := config.Default()
	c, schema, err := cfg.Cube.Build()
	require.NoError(ts.t, err)
	table, err := facttable.LoadBytes(context.Background(), []byte(salesCSV), c, schema, facttable.WithWorkers(2))
	require.NoError(ts.t, err)
	ts.t.Cleanup(table.Close)
	ts.handler.SetBackend(c, table, engine.Layout{})
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var payload *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		payload = strings.NewReader(string(b))
	} else {
		payload = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) newSession() string {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/sessions", nil)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Session](ts.t, rec).ID
}

func (ts *testServer) cells(id string, refs ...models.CellRef) []models.CellResult {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/sessions/"+id+"/cells", models.CellsRequest{Cells: refs})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[[]models.CellResult](ts.t, rec)
}

func germanyRevenue() models.CellRef {
	return models.CellRef{Members: []string{"[Geography].[Germany]"}, Measure: "Revenue"}
}

func TestLoadingState(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "loading", decode[models.Health](t, rec).Status)

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodGet, "/api/cube", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/api/sessions", nil).Code)

	ts.load()
	rec = ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[models.Health](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.Rows)
}

func TestCubeMetadata(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(http.MethodGet, "/api/cube", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[models.CubeInfo](t, rec)

	assert.Equal(t, "sales", info.Name)
	require.Len(t, info.Hierarchies, 3)
	assert.Equal(t, "Country", info.Hierarchies[0].Levels[0].Name)
	assert.Equal(t, 2, info.Hierarchies[0].Levels[0].Members)
	require.Len(t, info.Measures, 4)
	assert.Equal(t, "sum", info.Measures[0].Aggregate)
	assert.Equal(t, []string{"value", "percent_of_parent_row", "percent_of_column_total", "column_rank"}, info.Measures[0].ShowModes)
	assert.NotEmpty(t, info.Measures[3].Expression)
}

func TestMembersPagination(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(http.MethodGet, "/api/levels/Geography.Region/members?limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[models.Page[models.MemberInfo]](t, rec)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "[Geography].[France].[Normandy]", page.Data[0].UniqueName)
	assert.Equal(t, "[Geography].[France]", page.Data[0].Parent)

	rec = ts.do(http.MethodGet, "/api/levels/Geography.Region/members?offset=10", nil)
	assert.Empty(t, decode[models.Page[models.MemberInfo]](t, rec).Data)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/levels/Nowhere/members", nil).Code)
}

func TestCellsByMembersAndToken(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.newSession()

	res := ts.cells(id,
		germanyRevenue(),
		models.CellRef{Measure: "Average Price"},
		models.CellRef{Members: []string{"[Geography].[Atlantis]"}, Measure: "Revenue"},
		models.CellRef{Members: []string{"[Geography].[Germany]"}, Measure: "Revenue", Mode: "percent_of_column_total"},
	)
	require.Len(t, res, 4)
	require.True(t, res[0].OK, res[0].Error)
	assert.InDelta(t, 31.5, res[0].Value, 1e-9)
	assert.Equal(t, "31.50", res[0].Formatted)
	assert.NotEmpty(t, res[0].Token)

	require.True(t, res[1].OK, res[1].Error)
	assert.InDelta(t, 51.5/4, res[1].Value, 1e-9)

	assert.False(t, res[2].OK)
	assert.Contains(t, res[2].Error, "Atlantis")

	require.True(t, res[3].OK, res[3].Error)
	assert.InDelta(t, 31.5/51.5, res[3].Value, 1e-9)

	again := ts.cells(id, models.CellRef{Token: res[0].Token})
	require.True(t, again[0].OK, again[0].Error)
	assert.Equal(t, res[0].Value, again[0].Value)
	assert.Equal(t, res[0].Token, again[0].Token)

	bad := ts.cells(id, models.CellRef{Token: "not-a-token"})
	assert.False(t, bad[0].OK)
	assert.NotEmpty(t, bad[0].Error)
}

func TestFetchPlans(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.newSession()
	req := models.FetchRequest{Measure: "Revenue", Levels: []string{"Geography.Country"}}

	rec := ts.do(http.MethodPost, "/api/sessions/"+id+"/fetch", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "full", decode[models.FetchResult](t, rec).Plan)

	rec = ts.do(http.MethodPost, "/api/sessions/"+id+"/fetch", req)
	assert.Equal(t, "none", decode[models.FetchResult](t, rec).Plan)

	req.Measure = "Weight"
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/sessions/"+id+"/fetch", req).Code)
}

func TestFilters(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.newSession()

	rec := ts.do(http.MethodPut, "/api/sessions/"+id+"/filters/Time.Year", models.FilterRequest{Members: []string{"[Time].[2022]"}})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	res := ts.cells(id, germanyRevenue())
	assert.InDelta(t, 10.5, res[0].Value, 1e-9)

	rec = ts.do(http.MethodDelete, "/api/sessions/"+id+"/filters/Time.Year", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	res = ts.cells(id, germanyRevenue())
	assert.InDelta(t, 31.5, res[0].Value, 1e-9)
}

func TestDrillthroughEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.newSession()

	rec := ts.do(http.MethodPost, "/api/sessions/"+id+"/drillthrough", models.DrillthroughRequest{
		Cell:    germanyRevenue(),
		Columns: []string{"Region", "Revenue"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[models.DrillthroughResult](t, rec)
	assert.Equal(t, [][]string{{"Bavaria", "21"}, {"Hesse", "10.5"}}, out.Rows)

	rec = ts.do(http.MethodPost, "/api/sessions/"+id+"/drillthrough", models.DrillthroughRequest{
		Cell: models.CellRef{Measure: "Average Price"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWritebackClearsOtherSessions(t *testing.T) {
	ts := newTestServer(t, true)
	reader, writer := ts.newSession(), ts.newSession()

	res := ts.cells(reader, germanyRevenue())
	assert.InDelta(t, 31.5, res[0].Value, 1e-9)

	rec := ts.do(http.MethodPost, "/api/sessions/"+writer+"/writeback", models.WritebackRequest{
		Cell: germanyRevenue(), Value: 63, Method: "proportional",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	res = ts.cells(reader, germanyRevenue())
	assert.InDelta(t, 63.0, res[0].Value, 1e-9)

	rec = ts.do(http.MethodPost, "/api/sessions/"+writer+"/writeback", models.WritebackRequest{
		Cell: germanyRevenue(), Value: 1, Method: "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/sessions/"+writer+"/writeback", models.WritebackRequest{
		Cell: models.CellRef{Members: []string{"[Geography].[Germany]"}, Measure: "Transactions"}, Value: 1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSuspendResume(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.newSession()
	base := "/api/sessions/" + id

	require.Equal(t, http.StatusNoContent, ts.do(http.MethodPut, base+"/filters/Time.Year", models.FilterRequest{Members: []string{"[Time].[2022]"}}).Code)
	token := ts.cells(id, germanyRevenue())[0].Token

	require.Equal(t, http.StatusAccepted, ts.do(http.MethodPost, base+"/suspend", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, base+"/cells", models.CellsRequest{}).Code)

	rec := ts.do(http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, decode[models.Session](t, rec).ID)

	res := ts.cells(id, models.CellRef{Token: token})
	require.True(t, res[0].OK, res[0].Error)
	assert.InDelta(t, 10.5, res[0].Value, 1e-9, "filter survives suspension")

	// The snapshot is consumed by the resume.
	require.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, base+"/resume", nil).Code)
}

func TestSessionErrors(t *testing.T) {
	ts := newTestServer(t, true)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/sessions/xyz/cells", models.CellsRequest{}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, "/api/sessions/00000000-0000-0000-0000-000000000001", nil).Code)

	id := ts.newSession()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/cells", strings.NewReader("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	ts.newSession()
	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pivotcache_sessions_active")
}
