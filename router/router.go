package router

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/prebid/pg-engine/config"
	"github.com/prebid/pg-engine/deals"
	"github.com/prebid/pg-engine/endpoints"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/timeutil"
)

// Services carries the deal engine collaborators the handlers call into.
type Services struct {
	LineItemService         *deals.LineItemService
	PlannerService          *deals.PlannerService
	DealsProcessor          *deals.DealsProcessor
	DealsService            *deals.DealsService
	DeliveryProgressService *deals.DeliveryProgressService
	DeliveryStatsService    *deals.DeliveryStatsService
	ReportFactory           *deals.DeliveryProgressReportFactory
	TracerService           *deals.TracerService
	MetricsEngine           metrics.MetricsEngine
	Clock                   timeutil.Time
}

type Router struct {
	*httprouter.Router
}

// New builds the public router serving health and event traffic.
func New(cfg *config.Configuration, services Services) *Router {
	r := &Router{
		Router: httprouter.New(),
	}

	r.Handler(http.MethodGet, "/status", endpoints.NewStatusEndpoint(cfg.StatusResponse))
	r.Handler(http.MethodGet, "/pg/event/win", endpoints.NewWinEventEndpoint(services.DeliveryProgressService))
	r.Handler(http.MethodPost, "/pg/match", endpoints.NewMatchEndpoint(endpoints.MatchEndpointDeps{
		DealsProcessor:          services.DealsProcessor,
		DealsService:            services.DealsService,
		DeliveryProgressService: services.DeliveryProgressService,
		TracerService:           services.TracerService,
		Metrics:                 services.MetricsEngine,
		Clock:                   services.Clock,
		AccountRequired:         cfg.Deals.AccountRequired,
	}))

	return r
}

// Admin builds the handler behind the admin port.
func Admin(version, revision string, services Services) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/version", endpoints.NewVersionEndpoint(version, revision))
	mux.Handle("/pg/admin/lineitem-status", endpoints.NewLineItemStatusEndpoint(services.ReportFactory, services.Clock))
	mux.Handle("/pg/admin/force-deals-update", endpoints.NewForceDealsUpdateEndpoint(
		services.PlannerService,
		services.DeliveryProgressService,
		services.DeliveryStatsService,
		services.LineItemService,
	))
	mux.Handle("/pg/admin/tracer", endpoints.NewTracerEndpoint(services.TracerService))
	return mux
}

type NoCache struct {
	Handler http.Handler
}

func (m NoCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	m.Handler.ServeHTTP(w, r)
}

// SupportCORS allows any origin so publishers can fire win events from
// the page.
func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
