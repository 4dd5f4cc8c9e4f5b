package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", handler.Health)

	r.Route("/invoice", func(r chi.Router) {
		r.Post("/create", handler.CreateInvoice)
		r.Get("/pay/{invoiceId}", handler.PaymentRequest)
		r.Post("/pay/{invoiceId}", handler.SubmitPayment)
		r.Get("/state/{invoiceId}", handler.InvoiceState)
	})

	r.Post("/admin/search", handler.SearchInvoices)

	r.Get("/signingKeys/paymentProtocol.json", handler.SigningKeys)
	r.Get("/ws", handler.Hub.Handle)

	return &Server{Router: r}
}

// cors allows browser wallets and merchant dashboards on other origins to
// talk to the gateway. Payment protocol headers must stay readable.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, X-Paypro-Version")
		w.Header().Set("Access-Control-Expose-Headers", "digest, x-signature-type, x-identity, x-signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
