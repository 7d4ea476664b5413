// Package metrics records review outcomes as Prometheus counters and a
// duration histogram, and persists them across restarts.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names
const (
	SuccessTotal    = "pr_review_success_total"
	FailureTotal    = "pr_review_failure_total"
	LgtmTotal       = "pr_review_lgtm_total"
	IssuesTotal     = "pr_review_issues_total"
	DurationSeconds = "pr_review_duration_seconds"
	QueueLength     = "pr_review_queue_length"
	WebhooksTotal   = "pr_review_webhooks_total"
)

// Error types recorded on pr_review_failure_total.
const (
	ErrorTypeSync         = "sync"
	ErrorTypeDiff         = "diff"
	ErrorTypePrompt       = "prompt"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeUnknown      = "unknown"
	ErrorTypeReviewFailed = "review_failed"
	ErrorTypePanic        = "panic"
)

// Duration status labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// DefaultBuckets spans a quick review to the default job timeout.
var DefaultBuckets = []float64{10, 30, 60, 120, 300, 600, 900, 1200, 1800, 2700, 3600}

type counterVec struct {
	name    string
	desc    *prometheus.Desc
	labels  []string
	persist bool
	values  map[string]*counterSample
}

type counterSample struct {
	labelValues []string
	value       float64
}

func newCounterVec(name, help string, persist bool, labels ...string) *counterVec {
	return &counterVec{
		name:    name,
		desc:    prometheus.NewDesc(name, help, labels, nil),
		labels:  labels,
		persist: persist,
		values:  make(map[string]*counterSample),
	}
}

func (c *counterVec) add(v float64, labelValues ...string) {
	key := seriesKey(c.name, c.labels, labelValues)
	s, ok := c.values[key]
	if !ok {
		s = &counterSample{labelValues: labelValues}
		c.values[key] = s
	}
	s.value += v
}

type histogramSample struct {
	labelValues []string
	counts      []uint64 // cumulative, one per bound
	count       uint64
	sum         float64
}

type histogramVec struct {
	name   string
	desc   *prometheus.Desc
	labels []string
	bounds []float64
	values map[string]*histogramSample
}

func (h *histogramVec) observe(v float64, labelValues ...string) {
	key := seriesKey(h.name, h.labels, labelValues)
	s, ok := h.values[key]
	if !ok {
		s = &histogramSample{labelValues: labelValues, counts: make([]uint64, len(h.bounds))}
		h.values[key] = s
	}
	for i, b := range h.bounds {
		if v <= b {
			s.counts[i]++
		}
	}
	s.count++
	s.sum += v
}

// Recorder holds review metrics. It implements prometheus.Collector, and
// its whole state can be snapshotted and restored exactly.
type Recorder struct {
	mu sync.RWMutex

	success  *counterVec
	failure  *counterVec
	lgtm     *counterVec
	issues   *counterVec
	webhooks *counterVec
	duration *histogramVec

	queueDesc *prometheus.Desc
	queueLen  func() int
}

// NewRecorder creates a Recorder with the given histogram bounds, or
// DefaultBuckets when none are given.
func NewRecorder(buckets ...float64) *Recorder {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)

	labels := []string{"repository", "status"}
	return &Recorder{
		success:  newCounterVec(SuccessTotal, "Reviews completed successfully.", true, "repository"),
		failure:  newCounterVec(FailureTotal, "Reviews that failed, by error type.", true, "repository", "error_type"),
		lgtm:     newCounterVec(LgtmTotal, "Reviews that approved the pull request.", true, "repository"),
		issues:   newCounterVec(IssuesTotal, "Issues reported by reviews.", true, "repository"),
		webhooks: newCounterVec(WebhooksTotal, "Webhook requests by outcome.", false, "outcome"),
		duration: &histogramVec{
			name:   DurationSeconds,
			desc:   prometheus.NewDesc(DurationSeconds, "Review duration in seconds.", labels, nil),
			labels: labels,
			bounds: bounds,
			values: make(map[string]*histogramSample),
		},
		queueDesc: prometheus.NewDesc(QueueLength, "Review requests waiting in the queue.", nil, nil),
	}
}

// RecordSuccess counts a successful review.
func (r *Recorder) RecordSuccess(repo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success.add(1, repo)
}

// RecordFailure counts a failed review.
func (r *Recorder) RecordFailure(repo, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure.add(1, repo, errorType)
}

// RecordApproval counts an LGTM verdict.
func (r *Recorder) RecordApproval(repo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lgtm.add(1, repo)
}

// RecordIssues adds n to the issue counter.
func (r *Recorder) RecordIssues(repo string, n uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues.add(float64(n), repo)
}

// RecordDuration observes a review's duration.
func (r *Recorder) RecordDuration(repo, status string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duration.observe(seconds, repo, status)
}

// RecordWebhook counts an ingress outcome. Not persisted.
func (r *Recorder) RecordWebhook(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks.add(1, outcome)
}

// SetQueueLengthFunc installs the source of the queue length gauge.
func (r *Recorder) SetQueueLengthFunc(f func() int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueLen = f
}

func (r *Recorder) counters() []*counterVec {
	return []*counterVec{r.success, r.failure, r.lgtm, r.issues, r.webhooks}
}

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range r.counters() {
		ch <- c.desc
	}
	ch <- r.duration.desc
	ch <- r.queueDesc
}

// Collect implements prometheus.Collector.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.counters() {
		for _, s := range c.values {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, s.value, s.labelValues...)
		}
	}
	for _, s := range r.duration.values {
		buckets := make(map[float64]uint64, len(r.duration.bounds))
		for i, b := range r.duration.bounds {
			buckets[b] = s.counts[i]
		}
		ch <- prometheus.MustNewConstHistogram(r.duration.desc, s.count, s.sum, buckets, s.labelValues...)
	}
	if r.queueLen != nil {
		ch <- prometheus.MustNewConstMetric(r.queueDesc, prometheus.GaugeValue, float64(r.queueLen()))
	}
}

// Counter returns the value of a series, for tests and the CLI.
func (r *Recorder) Counter(name string, labelValues ...string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.counters() {
		if c.name != name {
			continue
		}
		if s, ok := c.values[seriesKey(c.name, c.labels, labelValues)]; ok {
			return s.value
		}
	}
	return 0
}

// Snapshot is the persisted form of the recorder's state.
type Snapshot struct {
	Counters   map[string]float64        `json:"counters"`
	Histograms map[string]HistogramValue `json:"histograms"`
}

// HistogramValue holds cumulative bucket counts keyed by upper bound.
type HistogramValue struct {
	Buckets map[string]uint64 `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   uint64            `json:"count"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Counters: map[string]float64{}, Histograms: map[string]HistogramValue{}}
}

func formatBound(b float64) string {
	return strconv.FormatFloat(b, 'g', -1, 64)
}

// Snapshot copies every persisted series.
func (r *Recorder) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := NewSnapshot()
	for _, c := range r.counters() {
		if !c.persist {
			continue
		}
		for key, s := range c.values {
			snap.Counters[key] = s.value
		}
	}
	for key, s := range r.duration.values {
		hv := HistogramValue{Buckets: make(map[string]uint64, len(s.counts)), Sum: s.sum, Count: s.count}
		for i, b := range r.duration.bounds {
			hv.Buckets[formatBound(b)] = s.counts[i]
		}
		snap.Histograms[key] = hv
	}
	return snap
}

// Restore replaces the recorder's persisted series with those in snap.
// Series for unknown metrics, or with the wrong labels, are skipped and
// reported in the returned error; everything else is still restored.
func (r *Recorder) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]*counterVec)
	for _, c := range r.counters() {
		if c.persist {
			byName[c.name] = c
		}
	}

	var skipped []string
	for key, value := range snap.Counters {
		name, labels, err := parseSeriesKey(key)
		if err != nil {
			skipped = append(skipped, key)
			continue
		}
		c, ok := byName[name]
		if !ok {
			skipped = append(skipped, key)
			continue
		}
		values, ok := labelValues(c.labels, labels)
		if !ok {
			skipped = append(skipped, key)
			continue
		}
		c.values[seriesKey(c.name, c.labels, values)] = &counterSample{labelValues: values, value: value}
	}

	h := r.duration
	for key, hv := range snap.Histograms {
		name, labels, err := parseSeriesKey(key)
		if err != nil || name != h.name {
			skipped = append(skipped, key)
			continue
		}
		values, ok := labelValues(h.labels, labels)
		if !ok {
			skipped = append(skipped, key)
			continue
		}
		s := &histogramSample{labelValues: values, counts: make([]uint64, len(h.bounds)), count: hv.Count, sum: hv.Sum}
		complete := true
		for i, b := range h.bounds {
			n, ok := hv.Buckets[formatBound(b)]
			if !ok {
				complete = false
				break
			}
			s.counts[i] = n
		}
		if !complete {
			// Bucket layout changed since the snapshot was written.
			skipped = append(skipped, key)
			continue
		}
		h.values[seriesKey(h.name, h.labels, values)] = s
	}

	if len(skipped) > 0 {
		sort.Strings(skipped)
		return fmt.Errorf("skipped %d persisted series: %v", len(skipped), skipped)
	}
	return nil
}

func labelValues(names []string, labels map[string]string) ([]string, bool) {
	if len(labels) != len(names) {
		return nil, false
	}
	values := make([]string, len(names))
	for i, n := range names {
		v, ok := labels[n]
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}
