// Package debug provides the handler for the worker's debug endpoints.
package debug

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/arl/statsviz"
)

// Mux registers the debug routes from the standard library and statsviz
// into a new mux, bypassing the use of http.DefaultServeMux. Using the
// DefaultServeMux would be a security risk since a dependency could inject a
// handler into our service without us knowing it.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	// statsviz only fails on invalid options; none are passed.
	_ = statsviz.Register(mux)

	return mux
}
