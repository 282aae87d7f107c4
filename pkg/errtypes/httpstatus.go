// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errtypes

import "net/http"

// HTTPStatus maps a domain error onto the HTTP status code defined by the
// storage core's error taxonomy. Errors that implement none of the marker
// interfaces map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case implements[IsNotFound](err):
		return http.StatusNotFound
	case implements[IsAlreadyExists](err), implements[IsConflict](err):
		return http.StatusConflict
	case implements[IsInvalidInput](err):
		return http.StatusBadRequest
	case implements[IsAccessDenied](err):
		return http.StatusForbidden
	case implements[IsUserRequired](err), implements[IsInvalidCredentials](err):
		return http.StatusUnauthorized
	case implements[IsTimeout](err):
		return http.StatusRequestTimeout
	case implements[IsUnsupportedOperation](err), implements[IsNotSupported](err):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// Kind names the taxonomy bucket an error falls into, used for the
// {status, message, error_type} JSON error body.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case implements[IsNotFound](err):
		return "NotFound"
	case implements[IsAlreadyExists](err):
		return "AlreadyExists"
	case implements[IsConflict](err):
		return "Conflict"
	case implements[IsInvalidInput](err):
		return "InvalidInput"
	case implements[IsAccessDenied](err):
		return "AccessDenied"
	case implements[IsUserRequired](err), implements[IsInvalidCredentials](err):
		return "AccessDenied"
	case implements[IsTimeout](err):
		return "Timeout"
	case implements[IsUnsupportedOperation](err), implements[IsNotSupported](err):
		return "UnsupportedOperation"
	default:
		return "InternalError"
	}
}

func implements[T any](err error) bool {
	_, ok := err.(T)
	return ok
}
