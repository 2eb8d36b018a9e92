package routing

import (
	"log"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
)

// Router dispatches on exact method+path and renders misses through the
// error envelope. Guard middleware wraps the router, not individual routes.
type Router struct {
	classifier *Classifier
	byPath     map[string]pathRoutes
}

type pathRoutes struct {
	rc       RouteClass
	byMethod map[string]http.Handler
}

func NewRouter(classifier *Classifier) *Router {
	return &Router{
		classifier: classifier,
		byPath:     make(map[string]pathRoutes),
	}
}

func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	pr, ok := r.byPath[path]
	if !ok {
		pr = pathRoutes{rc: rc, byMethod: make(map[string]http.Handler)}
	}
	pr.byMethod[method] = h
	r.byPath[path] = pr
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	pr, ok := r.byPath[req.URL.Path]
	if !ok {
		WriteError(w, req, r.classifier.Classify(req.URL.Path), http.StatusNotFound, "not_found", "not found")
		return
	}
	h, ok := pr.byMethod[req.Method]
	if !ok {
		w.Header().Set("Allow", allowedMethods(pr.byMethod))
		WriteError(w, req, pr.rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("panic serving %s %s: %v\n%s", req.Method, req.URL.Path, rec, debug.Stack())
			WriteError(w, req, pr.rc, http.StatusInternalServerError, "internal_error", "internal error")
		}
	}()
	h.ServeHTTP(w, req)
}

func allowedMethods(byMethod map[string]http.Handler) string {
	methods := make([]string, 0, len(byMethod))
	for m := range byMethod {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
