package dispatcher

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/invoker"
	"github.com/ChuLiYu/calcnode/internal/jobmanager"
)

// Status is a point-in-time snapshot of the dispatcher.
type Status struct {
	Jobs     jobmanager.Stats `json:"jobs"`
	Invokers []invoker.Stats  `json:"invokers"`
}

func (d *Dispatcher) Status() Status {
	st := Status{Jobs: d.jobs.Stats(), Invokers: []invoker.Stats{}}
	for _, inv := range d.pool.List() {
		if in, ok := inv.(invoker.Inspector); ok {
			st.Invokers = append(st.Invokers, in.Stats())
		} else {
			st.Invokers = append(st.Invokers, invoker.Stats{ID: inv.ID()})
		}
	}
	return st
}

// StatusHandler serves Status as JSON.
func (d *Dispatcher) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.Status()); err != nil {
			d.logger.Warn("failed to encode status", zap.Error(err))
		}
	})
}
