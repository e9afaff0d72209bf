// ============================================================================
// Dispatcher Metrics - Prometheus 指標收集
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
//
// 指標列表:
//   calc_jobs_submitted_total              提交的 job 數
//   calc_jobs_dispatched_total             被 invoker 接受的派發次數（含重試）
//   calc_jobs_completed_total              收到 worker 結果而結束的 job 數
//   calc_jobs_failed_total                 其中至少一個 item 失敗的 job 數
//   calc_jobs_cancelled_total{reason}      取消結果數（connection_failed / timeout / dispatcher_stopped）
//   calc_admission_rejections_total        Invoke 返回 false 的次數
//   calc_job_latency_seconds               提交到最終結果的延遲
//   calc_jobs_pending / calc_jobs_in_flight / calc_invokers
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calc"

// Collector 持有調度端的所有 Prometheus 指標
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  *prometheus.CounterVec
	rejections     prometheus.Counter

	jobLatency prometheus.Histogram

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
	invokers     prometheus.Gauge
}

// NewCollector 建立並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of calculation jobs submitted to the dispatcher",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of job attempts admitted by an invoker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs finished with a worker result",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of finished jobs with at least one failed item",
		}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of cancellation results, by reason",
		}, []string{"reason"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Total number of Invoke calls rejected for lack of capacity",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from submission to final result in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of jobs waiting for an invoker",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of jobs admitted and awaiting a result",
		}),
		invokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invokers",
			Help:      "Current number of invokers in the pool",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.rejections,
		c.jobLatency,
		c.jobsPending,
		c.jobsInFlight,
		c.invokers,
	)
	return c
}

func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

func (c *Collector) RecordDispatched() {
	c.jobsDispatched.Inc()
}

func (c *Collector) RecordRejected() {
	c.rejections.Inc()
}

// RecordCompleted 記錄一個以 worker 結果結束的 job
func (c *Collector) RecordCompleted(latency time.Duration, failed bool) {
	c.jobsCompleted.Inc()
	if failed {
		c.jobsFailed.Inc()
	}
	c.jobLatency.Observe(latency.Seconds())
}

// RecordCancelled 記錄一個取消結果，不論是否會重試
func (c *Collector) RecordCancelled(reason string) {
	c.jobsCancelled.WithLabelValues(reason).Inc()
}

func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

func (c *Collector) SetInvokers(n int) {
	c.invokers.Set(float64(n))
}

// Route 是掛在 metrics server 上的額外 HTTP 端點
type Route struct {
	Path    string
	Handler http.Handler
}

// StartServer 在 port 上提供 /metrics 與 routes，直到 ctx 結束
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer, routes ...Route) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	for _, r := range routes {
		mux.Handle(r.Path, r.Handler)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
