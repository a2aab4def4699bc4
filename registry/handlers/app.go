// Package handlers implements the thin HTTP surface SPEC_FULL §6 describes:
// request decoding/encoding and dispatch onto a federated.Store, with no
// business logic of its own. Grounded on registry/handlers/app.go's App
// object and dispatcher-registration shape, simplified since this wire
// protocol needs none of the v2 URL-template machinery docker-distribution
// builds its router on — gorilla/mux's own path variables are enough for
// the flat package/version/tag/file path space here.
package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/configuration"
	"github.com/pkgvault/pkgvault/federated"
	"github.com/pkgvault/pkgvault/internal/dcontext"
	"github.com/pkgvault/pkgvault/metrics"
)

// App is the HTTP entry point: it owns the router and holds the federated
// store every handler dispatches onto. Unlike the teacher's App, it is not
// itself a context.Context — request-scoped values travel on each
// *http.Request's own context instead, via pkgvault.WithRequestScope.
type App struct {
	Context    context.Context
	Config     *configuration.Configuration
	InstanceID string

	store  *federated.Store
	router *mux.Router
}

// pkgPattern matches either a bare package name or a scoped one
// (@scope/name), since mux's {var} path segments don't cross "/" on their
// own.
const pkgPattern = "{pkg:(?:@[^/@]+/)?[^/@]+}"

// NewApp constructs the router and registers every route in SPEC_FULL §6's
// wire protocol table against store.
func NewApp(ctx context.Context, cfg *configuration.Configuration, store *federated.Store) *App {
	app := &App{
		Context:    ctx,
		Config:     cfg,
		InstanceID: uuid.NewString(),
		store:      store,
		router:     mux.NewRouter(),
	}

	app.Context = dcontext.WithLogger(app.Context, dcontext.GetLogger(app.Context, "app.id"))
	app.router.Use(requestMetrics)

	r := app.router
	if cfg != nil && cfg.URLPrefix != "" {
		r = r.PathPrefix(cfg.URLPrefix).Subrouter()
	}
	r.HandleFunc("/-/v1/search", app.search).Methods(http.MethodGet)

	r.HandleFunc("/-/package/"+pkgPattern+"/dist-tags", app.listDistTags).Methods(http.MethodGet)
	r.HandleFunc("/-/package/"+pkgPattern+"/dist-tags", app.setDistTags).Methods(http.MethodPost)
	r.HandleFunc("/-/package/"+pkgPattern+"/dist-tags/{tag}", app.setDistTag).Methods(http.MethodPut)
	r.HandleFunc("/-/package/"+pkgPattern+"/dist-tags/{tag}", app.deleteDistTag).Methods(http.MethodDelete)

	r.HandleFunc("/"+pkgPattern+"/-rev/{rev}", app.changePackage).Methods(http.MethodPut)
	r.HandleFunc("/"+pkgPattern+"/-rev/{rev}", app.removePackage).Methods(http.MethodDelete)
	r.HandleFunc("/"+pkgPattern+"/-/{file}/-rev/{rev}", app.removeTarball).Methods(http.MethodDelete)
	r.HandleFunc("/"+pkgPattern+"/-/{file}", app.getTarball).Methods(http.MethodGet)

	r.HandleFunc("/"+pkgPattern, app.publish).Methods(http.MethodPut)
	r.HandleFunc("/"+pkgPattern+"/{tag}", app.setDistTagLegacy).Methods(http.MethodPut)
	r.HandleFunc("/"+pkgPattern+"/{versionOrTag}", app.getPackageByVersion).Methods(http.MethodGet)
	r.HandleFunc("/"+pkgPattern, app.getPackageManifest).Methods(http.MethodGet)

	return app
}

// ServeHTTP attaches a RequestScope derived from r to its context before
// dispatching. No access-control layer exists at this level (per SPEC_FULL,
// authentication/ACL evaluation remains an external collaborator), so every
// request is scoped as anonymous with uplinks enabled.
func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := pkgvault.RequestScope{
		Caller:      "anonymous",
		Protocol:    requestProtocol(r),
		Host:        requestHost(r, app.Config),
		URLPrefix:   requestURLPrefix(app.Config),
		UplinksLook: true,
	}
	ctx := pkgvault.WithRequestScope(r.Context(), scope)
	app.router.ServeHTTP(w, r.WithContext(ctx))
}

// requestMetrics records one HTTPRequests observation per request, labeled
// by the matched route's path template (not the raw URL, to keep
// cardinality bounded) so it must run as router middleware, after mux has
// resolved the current route onto the request.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		route := "unmatched"
		if match := mux.CurrentRoute(r); match != nil {
			if tmpl, err := match.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithValues(route, r.Method).Inc(1)
	})
}

func requestProtocol(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestHost(r *http.Request, cfg *configuration.Configuration) string {
	if cfg != nil && cfg.HTTP.Host != "" {
		return cfg.HTTP.Host
	}
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		return forwarded
	}
	return r.Host
}

// requestURLPrefix reports the configured public path prefix this registry
// is served beneath, so rewritten dist.tarball URLs route back through it
// (configuration.Configuration.URLPrefix).
func requestURLPrefix(cfg *configuration.Configuration) string {
	if cfg == nil {
		return ""
	}
	return cfg.URLPrefix
}
