// Package httputil holds the JSON response and request-decoding helpers
// shared by every handler, so error envelopes look the same on each route.
package httputil
