// Package httpapi is the thin JSON/REST entrypoint over every component
// built in this repository (identity, subscription, catalog, coverage,
// dispatch, realtime, abuse). Grounded on the teacher's
// api.APIServer: a gorilla/mux router, a CORS middleware wrapping every
// route, and one handler function per endpoint that decodes a request body,
// calls a single service method, and encodes the result — no business logic
// lives in this package.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coverline/dispatch-core/internal/errs"
)

// statusForCode maps the domain error taxonomy to HTTP status, the
// boundary translation errs' package doc describes every handler doing.
var statusForCode = map[errs.Code]int{
	errs.CodeAuthInvalidCredentials: http.StatusUnauthorized,
	errs.CodeAuthLocked:             http.StatusLocked,
	errs.CodeAuthOTPRequired:        http.StatusUnauthorized,
	errs.CodeAuthOTPInvalid:         http.StatusUnauthorized,
	errs.CodeAuthOTPExpired:         http.StatusUnauthorized,
	errs.CodeAuthTokenInvalid:       http.StatusUnauthorized,
	errs.CodeAuthTokenExpired:       http.StatusUnauthorized,
	errs.CodeAuthTokenRevoked:       http.StatusUnauthorized,
	errs.CodeAuthForbidden:         http.StatusForbidden,

	errs.CodeSubInsufficientCredit: http.StatusPaymentRequired,
	errs.CodeSubNotFound:           http.StatusNotFound,
	errs.CodeSubExpired:            http.StatusConflict,
	errs.CodeSubAlreadyApplied:     http.StatusConflict,
	errs.CodeSubNotTransferable:    http.StatusConflict,

	errs.CodeGeoOutOfCoverage:    http.StatusUnprocessableEntity,
	errs.CodeGeoInvalidCoords:    http.StatusBadRequest,
	errs.CodeGeoNoProviderNearby: http.StatusUnprocessableEntity,

	errs.CodeReqDuplicate:          http.StatusConflict,
	errs.CodeReqRateLimited:        http.StatusTooManyRequests,
	errs.CodeReqInvalidTransition:  http.StatusConflict,
	errs.CodeReqInvalidServiceType: http.StatusBadRequest,
	errs.CodeReqNotFound:           http.StatusNotFound,
	errs.CodeReqAlreadyAssigned:    http.StatusConflict,
	errs.CodeReqExpired:            http.StatusGone,

	errs.CodeUserSuspended:        http.StatusForbidden,
	errs.CodeUserBanned:           http.StatusForbidden,
	errs.CodeUserFineUnpaid:       http.StatusPaymentRequired,
	errs.CodeUserFineAlreadyPaid:  http.StatusConflict,
	errs.CodeUserNotFound:         http.StatusNotFound,
	errs.CodeUserIdentifierExists: http.StatusConflict,
	errs.CodeUserPhoneUnverified:  http.StatusForbidden,
	errs.CodeUserGroupNotOwned:    http.StatusForbidden,

	errs.CodeFirmNotFound:       http.StatusNotFound,
	errs.CodeFirmInactive:       http.StatusForbidden,
	errs.CodeFirmPersonnelLimit: http.StatusConflict,

	errs.CodePayDeclined:           http.StatusPaymentRequired,
	errs.CodePayTimeout:            http.StatusGatewayTimeout,
	errs.CodePayGatewayUnavailable: http.StatusServiceUnavailable,

	errs.CodeSysUnavailable: http.StatusServiceUnavailable,
	errs.CodeSysInternal:    http.StatusInternalServerError,
	errs.CodeSysRateLimited: http.StatusTooManyRequests,
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError translates any error into the structured JSON body clients
// expect, falling back to 500/SYS_INTERNAL for anything not already a
// *errs.DomainError (a programming error, not an expected failure mode).
func writeError(w http.ResponseWriter, err error) {
	var de *errs.DomainError
	if !errors.As(err, &de) {
		de = errs.Wrap(errs.CodeSysInternal, "unexpected error", err)
	}
	status, ok := statusForCode[de.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := map[string]interface{}{
		"code":    de.Code,
		"message": de.Message,
	}
	if de.Details != nil {
		body["details"] = de.Details
	}
	if de.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(de.RetryAfterSecs))
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
