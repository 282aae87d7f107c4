package caldav

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore/localfs"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/db"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mapping"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()

	conn, err := db.Open(filepath.Join(dir, "oxicloud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	blobs, err := localfs.New(dir, conn)
	require.NoError(t, err)

	fileIDs, err := mapping.Load(filepath.Join(dir, "file_ids.json"))
	require.NoError(t, err)
	folderIDs, err := mapping.Load(filepath.Join(dir, "folder_ids.json"))
	require.NoError(t, err)

	cache := metacache.New(time.Minute, time.Minute, 1000)
	t.Cleanup(cache.Close)

	repo := repository.New(conn, blobs, fileIDs, folderIDs, cache, dir, 5*time.Second, 5*time.Second)
	log := zerolog.Nop()
	return New(repo, repo, &log)
}

func doRequest(h *Handler, method, target string, body *strings.Reader, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

const sampleEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:evt-1\r\n" +
	"SUMMARY:Standup\r\nDTSTART:20260801T090000Z\r\nDTEND:20260801T093000Z\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

func TestMkcalendarThenPutGetRoundTrips(t *testing.T) {
	h := newTestHandler(t)

	mk := doRequest(h, "MKCALENDAR", "/cal", nil, nil)
	require.Equal(t, http.StatusCreated, mk.Code)

	put := doRequest(h, http.MethodPut, "/cal/evt-1.ics", strings.NewReader(sampleEvent), nil)
	require.Equal(t, http.StatusCreated, put.Code)
	assert.NotEmpty(t, put.Header().Get("ETag"))

	get := doRequest(h, http.MethodGet, "/cal/evt-1.ics", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), "UID:evt-1")
	assert.Contains(t, get.Body.String(), "SUMMARY:Standup")
	assert.Equal(t, "text/calendar; charset=utf-8", get.Header().Get("Content-Type"))
}

func TestPutRejectsNonIcsName(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)

	put := doRequest(h, http.MethodPut, "/cal/evt-1.txt", strings.NewReader(sampleEvent), nil)
	assert.Equal(t, http.StatusBadRequest, put.Code)
}

func TestDeleteEventAndCalendar(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)
	doRequest(h, http.MethodPut, "/cal/evt-1.ics", strings.NewReader(sampleEvent), nil)

	del := doRequest(h, http.MethodDelete, "/cal/evt-1.ics", nil, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	get := doRequest(h, http.MethodGet, "/cal/evt-1.ics", nil, nil)
	assert.Equal(t, http.StatusNotFound, get.Code)

	delCal := doRequest(h, http.MethodDelete, "/cal", nil, nil)
	require.Equal(t, http.StatusNoContent, delCal.Code)
}

func TestPropfindCollectionAndObject(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)
	doRequest(h, http.MethodPut, "/cal/evt-1.ics", strings.NewReader(sampleEvent), nil)

	pf := doRequest(h, "PROPFIND", "/cal", nil, nil)
	require.Equal(t, http.StatusMultiStatus, pf.Code)
	assert.Contains(t, pf.Body.String(), "cal:calendar")

	pfObj := doRequest(h, "PROPFIND", "/cal/evt-1.ics", nil, nil)
	require.Equal(t, http.StatusMultiStatus, pfObj.Code)
}

func TestReportCalendarMultiget(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)
	doRequest(h, http.MethodPut, "/cal/evt-1.ics", strings.NewReader(sampleEvent), nil)

	body := `<?xml version="1.0"?><calendar-multiget xmlns="urn:ietf:params:xml:ns:caldav"><href>/cal/evt-1.ics</href></calendar-multiget>`
	rep := doRequest(h, "REPORT", "/cal", strings.NewReader(body), map[string]string{"Content-Type": "application/xml"})
	require.Equal(t, http.StatusMultiStatus, rep.Code)
	assert.Contains(t, rep.Body.String(), "UID:evt-1")
}

func TestReportCalendarQueryTimeRange(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)
	doRequest(h, http.MethodPut, "/cal/evt-1.ics", strings.NewReader(sampleEvent), nil)

	matching := `<?xml version="1.0"?><calendar-query xmlns="urn:ietf:params:xml:ns:caldav">
<filter><comp-filter name="VCALENDAR"><comp-filter name="VEVENT">
<time-range start="20260801T080000Z" end="20260801T100000Z"/>
</comp-filter></comp-filter></filter></calendar-query>`
	rep := doRequest(h, "REPORT", "/cal", strings.NewReader(matching), nil)
	require.Equal(t, http.StatusMultiStatus, rep.Code)
	assert.Contains(t, rep.Body.String(), "evt-1.ics")

	nonMatching := `<?xml version="1.0"?><calendar-query xmlns="urn:ietf:params:xml:ns:caldav">
<filter><comp-filter name="VCALENDAR"><comp-filter name="VEVENT">
<time-range start="20260901T080000Z" end="20260901T100000Z"/>
</comp-filter></comp-filter></filter></calendar-query>`
	rep2 := doRequest(h, "REPORT", "/cal", strings.NewReader(nonMatching), nil)
	require.Equal(t, http.StatusMultiStatus, rep2.Code)
	assert.NotContains(t, rep2.Body.String(), "evt-1.ics")
}

func TestReportUnsupportedTagRejected(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)

	body := `<?xml version="1.0"?><free-busy-query xmlns="urn:ietf:params:xml:ns:caldav"/>`
	rep := doRequest(h, "REPORT", "/cal", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusBadRequest, rep.Code)
}

func TestReportSyncCollectionReturnsFullSetAndToken(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCALENDAR", "/cal", nil, nil)
	doRequest(h, http.MethodPut, "/cal/evt-1.ics", strings.NewReader(sampleEvent), nil)

	body := `<?xml version="1.0"?><sync-collection xmlns="DAV:"><sync-token/><sync-level>1</sync-level></sync-collection>`
	rep := doRequest(h, "REPORT", "/cal", strings.NewReader(body), map[string]string{"Content-Type": "application/xml"})
	require.Equal(t, http.StatusMultiStatus, rep.Code)
	assert.Contains(t, rep.Body.String(), "evt-1.ics")
	assert.Contains(t, rep.Body.String(), "<d:sync-token>")
}
