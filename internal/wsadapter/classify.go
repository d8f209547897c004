package wsadapter

import (
	"errors"

	"golang.org/x/oauth2"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

// retryableStatus is the exact set of HTTP status codes spec.md §4.3 calls
// retryable. Anything outside this set is fatal: 4xx maps to
// KindWSRequestError, 5xx to KindWSError.
var retryableStatus = map[int]bool{
	408: true, 429: true, 470: true, 495: true,
	500: true, 502: true, 503: true, 504: true, 505: true, 507: true,
	520: true, 521: true, 522: true,
	524: true, 525: true, 526: true, 527: true,
	530: true, 560: true,
}

// ClassifyStatus maps an HTTP response status code to the wsadapter error
// kind that a caller's retry schedule keys off of.
func ClassifyStatus(status int) drmerrors.Kind {
	if retryableStatus[status] {
		return drmerrors.KindWSMayRetry
	}
	switch {
	case status >= 400 && status < 500:
		return drmerrors.KindWSRequestError
	case status >= 500:
		return drmerrors.KindWSError
	default:
		return drmerrors.KindWSError
	}
}

// ClassifyTokenError maps a failure from clientcredentials.Config.Token to
// the same taxonomy. oauth2 wraps HTTP-level failures in *oauth2.RetrieveError
// carrying the raw *http.Response; anything else (DNS, connect, context
// deadline) is a network-level condition and always retryable.
func ClassifyTokenError(err error) drmerrors.Kind {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return ClassifyStatus(retrieveErr.Response.StatusCode)
	}
	return drmerrors.KindWSMayRetry
}

// IsRetryable is a convenience wrapper used by the retry schedules: it
// reports whether err's kind permits another attempt.
func IsRetryable(err error) bool {
	return drmerrors.KindOf(err) == drmerrors.KindWSMayRetry
}
