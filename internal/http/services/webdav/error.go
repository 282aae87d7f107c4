package webdav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
)

// httpError is a sentinel error that already knows its HTTP status and
// message, for the handful of failures (bad Destination header, and so
// on) that are protocol-parsing errors rather than repository errors.
type httpError struct {
	status int
	msg    string
}

func (e httpError) Error() string { return e.msg }

var errMissingDestination = httpError{status: http.StatusBadRequest, msg: "destination header is empty"}
var errBadBaseURI = httpError{status: http.StatusBadRequest, msg: "destination path does not contain base URI"}

// writeError maps err to an HTTP status. httpError values carry their own
// status; everything else goes through the shared errtypes taxonomy, the
// same mapping every other protocol layer in this server uses.
func writeError(log *zerolog.Logger, w http.ResponseWriter, err error) {
	var he httpError
	if errors.As(err, &he) {
		http.Error(w, he.msg, he.status)
		return
	}
	status := errtypes.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("webdav request failed")
	} else {
		log.Debug().Err(err).Msg("webdav request failed")
	}
	w.WriteHeader(status)
}

// writePrecondition emits an RFC 4918 <d:error> body naming a single
// failed precondition, e.g. "propfind-finite-depth" or
// "lock-token-submitted". Adapted from the teacher's errorXML/Marshal
// pair in ocdav/error.go, simplified down to the DAV namespace only —
// this server never needs sabredav's own exception vocabulary since it
// isn't proxying sabre/dav error codes from a CS3 backend.
func writePrecondition(w http.ResponseWriter, status int, precondition string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header+`<d:error xmlns:d="DAV:"><d:`+precondition+`/></d:error>`)
}
