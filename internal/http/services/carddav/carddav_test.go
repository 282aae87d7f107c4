package carddav

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

const sampleContact = "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:contact-1\r\n" +
	"FN:Ada Lovelace\r\nEMAIL:ada@example.com\r\nORG:Analytical Engines\r\n" +
	"END:VCARD\r\n"

func TestMkcolThenPutGetRoundTrips(t *testing.T) {
	h := newTestHandler(t)

	mk := doRequest(h, "MKCOL", "/contacts", nil, nil)
	require.Equal(t, http.StatusCreated, mk.Code)

	put := doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)
	require.Equal(t, http.StatusCreated, put.Code)
	assert.NotEmpty(t, put.Header().Get("ETag"))

	get := doRequest(h, http.MethodGet, "/contacts/contact-1.vcf", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), "UID:contact-1")
	assert.Contains(t, get.Body.String(), "FN:Ada Lovelace")
	assert.Equal(t, "text/vcard; charset=utf-8", get.Header().Get("Content-Type"))
}

func TestPutRejectsNonVcfName(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)

	put := doRequest(h, http.MethodPut, "/contacts/contact-1.txt", strings.NewReader(sampleContact), nil)
	assert.Equal(t, http.StatusBadRequest, put.Code)
}

func TestPutOverwriteExistingContact(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)
	doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)

	updated := "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:contact-1\r\nFN:Ada L.\r\nEND:VCARD\r\n"
	put := doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(updated), nil)
	require.Equal(t, http.StatusNoContent, put.Code)

	get := doRequest(h, http.MethodGet, "/contacts/contact-1.vcf", nil, nil)
	assert.Contains(t, get.Body.String(), "FN:Ada L.")
}

func TestDeleteContactAndAddressbook(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)
	doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)

	del := doRequest(h, http.MethodDelete, "/contacts/contact-1.vcf", nil, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	get := doRequest(h, http.MethodGet, "/contacts/contact-1.vcf", nil, nil)
	assert.Equal(t, http.StatusNotFound, get.Code)

	delBook := doRequest(h, http.MethodDelete, "/contacts", nil, nil)
	require.Equal(t, http.StatusNoContent, delBook.Code)
}

func TestPropfindCollectionAndObject(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)
	doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)

	pf := doRequest(h, "PROPFIND", "/contacts", nil, nil)
	require.Equal(t, http.StatusMultiStatus, pf.Code)
	assert.Contains(t, pf.Body.String(), "card:addressbook")

	pfObj := doRequest(h, "PROPFIND", "/contacts/contact-1.vcf", nil, nil)
	require.Equal(t, http.StatusMultiStatus, pfObj.Code)
}

func TestReportAddressbookMultiget(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)
	doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)

	body := `<?xml version="1.0"?><addressbook-multiget xmlns="urn:ietf:params:xml:ns:carddav"><href>/contacts/contact-1.vcf</href></addressbook-multiget>`
	rep := doRequest(h, "REPORT", "/contacts", strings.NewReader(body), map[string]string{"Content-Type": "application/xml"})
	require.Equal(t, http.StatusMultiStatus, rep.Code)
	assert.Contains(t, rep.Body.String(), "UID:contact-1")
}

func TestReportAddressbookQueryTextMatch(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)
	doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)

	matching := `<?xml version="1.0"?><addressbook-query xmlns="urn:ietf:params:xml:ns:carddav">
<filter><prop-filter name="FN"><text-match>Lovelace</text-match></prop-filter></filter>
</addressbook-query>`
	rep := doRequest(h, "REPORT", "/contacts", strings.NewReader(matching), nil)
	require.Equal(t, http.StatusMultiStatus, rep.Code)
	assert.Contains(t, rep.Body.String(), "contact-1.vcf")

	nonMatching := `<?xml version="1.0"?><addressbook-query xmlns="urn:ietf:params:xml:ns:carddav">
<filter><prop-filter name="FN"><text-match>Turing</text-match></prop-filter></filter>
</addressbook-query>`
	rep2 := doRequest(h, "REPORT", "/contacts", strings.NewReader(nonMatching), nil)
	require.Equal(t, http.StatusMultiStatus, rep2.Code)
	assert.NotContains(t, rep2.Body.String(), "contact-1.vcf")
}

func TestReportUnsupportedTagRejected(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)

	body := `<?xml version="1.0"?><free-busy-query xmlns="urn:ietf:params:xml:ns:carddav"/>`
	rep := doRequest(h, "REPORT", "/contacts", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusBadRequest, rep.Code)
}

func TestReportSyncCollectionReturnsFullSetAndToken(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/contacts", nil, nil)
	doRequest(h, http.MethodPut, "/contacts/contact-1.vcf", strings.NewReader(sampleContact), nil)

	body := `<?xml version="1.0"?><sync-collection xmlns="DAV:"><sync-token/><sync-level>1</sync-level></sync-collection>`
	rep := doRequest(h, "REPORT", "/contacts", strings.NewReader(body), map[string]string{"Content-Type": "application/xml"})
	require.Equal(t, http.StatusMultiStatus, rep.Code)
	assert.Contains(t, rep.Body.String(), "contact-1.vcf")
	assert.Contains(t, rep.Body.String(), "<d:sync-token>")
}
