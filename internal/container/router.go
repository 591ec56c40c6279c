package container

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"exchange-connect-go/order"
	"exchange-connect-go/session"
)

// orderView 订单的只读快照
type orderView struct {
	ID          string    `json:"id"`
	ExchangeID  string    `json:"exchange_id,omitempty"`
	ProductID   string    `json:"product_id"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Price       string    `json:"price"`
	StopPrice   string    `json:"stop_price,omitempty"`
	Size        string    `json:"size"`
	FilledSize  string    `json:"filled_size"`
	TimeInForce string    `json:"time_in_force"`
	Status      string    `json:"status"`
	Acked       bool      `json:"acknowledged"`
	Done        bool      `json:"done"`
	Reason      string    `json:"reject_reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewOrder(o *order.Order) orderView {
	v := orderView{
		ID:          o.ID,
		ExchangeID:  o.ExchangeID(),
		ProductID:   o.ProductID,
		Side:        string(o.Side),
		Type:        string(o.Type),
		Price:       o.Price.String(),
		Size:        o.Size.String(),
		FilledSize:  o.FilledSize().String(),
		TimeInForce: string(o.TimeInForce),
		Status:      string(o.Status()),
		Acked:       o.IsAcknowledged(),
		Done:        o.IsDone(),
		Reason:      o.RejectReason(),
		CreatedAt:   o.CreatedAt,
	}
	if o.StopPrice.Valid {
		v.StopPrice = o.StopPrice.Decimal.String()
	}
	if err := o.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

type sessionView struct {
	session.Stats
	OpenOrders int                    `json:"open_orders"`
	Fills      order.FillTrackerStats `json:"fills"`
}

// Router 运维接口：/metrics、/healthz、/session、/orders。
func (c *Container) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", c.monitor.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.HealthCheck(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
		reg := c.client.Registry()
		writeJSON(w, http.StatusOK, sessionView{
			Stats:      c.client.Session().Stats(),
			OpenOrders: reg.Open(),
			Fills:      reg.FillStats(),
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			orders := c.client.Registry().Orders()
			out := make([]orderView, 0, len(orders))
			for _, o := range orders {
				out = append(out, viewOrder(o))
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			o, ok := c.client.Order(chi.URLParam(r, "id"))
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": order.ErrUnknownOrder.Error()})
				return
			}
			writeJSON(w, http.StatusOK, viewOrder(o))
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
