// ABOUTME: Route templates for the REST surface with rate-limit bucket derivation.
// ABOUTME: A route's bucket key combines method, major parameters, and the path template.

package rest

import (
	"fmt"
	"net/url"
	"strings"
)

// Route describes one REST call: an HTTP method, a path template with
// {name} placeholders, and the values to resolve them with.
type Route struct {
	Method string
	Path   string
	Params map[string]string

	// Collection, when set, names the cache collection that response
	// bodies for this route should be placed into opportunistically.
	Collection string
}

// NewRoute builds a route from a method, a path template, and alternating
// param name/value pairs.
func NewRoute(method, path string, params ...string) Route {
	r := Route{Method: method, Path: path}
	if len(params) > 0 {
		r.Params = make(map[string]string, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			r.Params[params[i]] = params[i+1]
		}
	}
	return r
}

// BucketKey returns the rate-limit bucket identifier for this route.
// Only the major parameters contribute: two message routes under the same
// channel share a bucket, but the same route under different channels does
// not.
func (r Route) BucketKey() string {
	return fmt.Sprintf("%s::%s:%s:%s:%s",
		r.Method, r.Params["channel_id"], r.Params["guild_id"], r.Params["webhook_id"], r.Path)
}

// Endpoint returns the method and path template, for logging.
func (r Route) Endpoint() string {
	return r.Method + " " + r.Path
}

// URL resolves the path template against the given API base, URL-escaping
// parameter values.
func (r Route) URL(base string) string {
	path := r.Path
	for name, value := range r.Params {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	return base + path
}
