package apiclient

import "net/url"

type requestOptions struct {
	noRefresh bool
	quiet     bool
	query     url.Values
	headers   map[string]string
	returnTo  string
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// WithoutRefresh disables the refresh-and-retry path, for calls such as
// sign-in where a 401 means wrong credentials.
func WithoutRefresh() RequestOption {
	return func(o *requestOptions) {
		o.noRefresh = true
	}
}

// WithQuery adds query parameters to the request URL.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) {
		o.query = q
	}
}

// WithHeader sets an extra request header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// WithReturnTo sets the location the user returns to after signing in again.
// It defaults to the request path.
func WithReturnTo(path string) RequestOption {
	return func(o *requestOptions) {
		o.returnTo = path
	}
}

// withoutNotice suppresses transient notices for best-effort calls.
func withoutNotice() RequestOption {
	return func(o *requestOptions) {
		o.quiet = true
	}
}
