package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/hangarproj/hangar/cmd/registryd/config"
	"github.com/hangarproj/hangar/lib/middleware"
	"github.com/hangarproj/hangar/lib/registry"
)

// ApiService serves the registry HTTP API.
type ApiService struct {
	Config *config.Config
	Images registry.Manager
}

// New creates a new ApiService
func New(cfg *config.Config, images registry.Manager) *ApiService {
	return &ApiService{
		Config: cfg,
		Images: images,
	}
}

// Router assembles the chi router with the middleware stack. metrics may be
// nil when OTel is disabled.
func (s *ApiService) Router(log *slog.Logger, metrics *middleware.HTTPMetrics) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(otelchi.Middleware("hangar-registryd", otelchi.WithChiRoutes(r)))
	r.Use(middleware.InjectLogger(log))
	r.Use(middleware.AccessLogger(log))
	if metrics != nil {
		r.Use(metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		if s.Config.JwtSecret != "" {
			v1.Use(middleware.VerifyJWT(s.Config.JwtSecret))
		}
		v1.Get("/images", s.ListImages)
		v1.Get("/images/detail", s.ListImagesDetailed)
		v1.Post("/images", s.CreateImage)
		v1.Head("/images/{id}", s.HeadImage)
		v1.Get("/images/{id}", s.GetImage)
		v1.Put("/images/{id}", s.UpdateImage)
		v1.Delete("/images/{id}", s.DeleteImage)
		v1.Get("/images/{id}/file", s.DownloadImage)
		v1.Put("/images/{id}/file", s.UploadImage)
	})

	return r
}
