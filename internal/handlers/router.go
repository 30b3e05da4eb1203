package handlers

import (
	"net/http"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

// NewRouter serves OAuth redirect: callback handler on path of integration redirect uri
func NewRouter(
	callbackPath string,
	callback *CallbackHandler,
	mds ...func(next http.Handler) http.Handler,
) http.Handler {
	if callbackPath == "" {
		callbackPath = "/"
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+callbackPath, callback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return chain(mux, mds...)
}
