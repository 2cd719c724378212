package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with custom options", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("pipeline"),
				WithMetricPrefix("tenant"),
				WithRefreshInterval(3*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then collectors are registered under the configured names", func() {
				So(m.RefreshInterval(), ShouldEqual, 3*time.Second)
				m.recordsProcessed.Add(2)

				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_pipeline_tenant_records_processed_total" {
						found = true
						So(f.GetMetric()[0].GetCounter().GetValue(), ShouldEqual, 2)
						So(f.GetMetric()[0].GetLabel()[0].GetName(), ShouldEqual, "env")
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When metrics are disabled", func() {
			m := NewManager(WithMetricsEnabled(false), WithPrometheusRegistry(registry))
			m.recordsProcessed.Inc()

			Convey("Then nothing is exported on the supplied registry", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(families, ShouldBeEmpty)
			})
		})
	})
}

func TestPackageRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording pipeline activity", func() {
			before := testutil.ToFloat64(globalManager.recordsProcessed)
			RecordRecordsProcessed(250)
			RecordRecordsProcessed(0)

			Convey("Then counters advance only by positive amounts", func() {
				So(testutil.ToFloat64(globalManager.recordsProcessed)-before, ShouldEqual, 250)
			})
		})

		Convey("When recording labelled series", func() {
			RecordNormalizationChanges("email", 3)
			RecordBatch("failed", 12)
			RecordMerge("combine", "merged")
			RecordImportError("database", true)
			RecordRecoveryAttempt("database", "recovered")

			Convey("Then the label values are visible", func() {
				So(testutil.ToFloat64(globalManager.normalizationChanges.WithLabelValues("email")), ShouldBeGreaterThanOrEqualTo, 3)
				So(testutil.ToFloat64(globalManager.batches.WithLabelValues("failed")), ShouldBeGreaterThanOrEqualTo, 1)
				So(testutil.ToFloat64(globalManager.merges.WithLabelValues("combine", "merged")), ShouldBeGreaterThanOrEqualTo, 1)
				So(testutil.ToFloat64(globalManager.importErrors.WithLabelValues("database", "true")), ShouldBeGreaterThanOrEqualTo, 1)
			})
		})

		Convey("When updating gauges", func() {
			UpdateQueueCapacity(10)
			UpdateQueueSize(4)
			UpdateQueueUtilization(0.4)
			IncWorkerBusy()
			DecWorkerBusy()

			Convey("Then the latest value wins", func() {
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 4)
				So(testutil.ToFloat64(globalManager.queueUtilization), ShouldEqual, 0.4)
				So(testutil.ToFloat64(globalManager.workerBusy), ShouldEqual, 0)
			})
		})

		Convey("When registering an extra collector twice", func() {
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: "rolodex_extra_total", Help: "extra"})
			So(Register(c), ShouldBeNil)
			err := Register(c)

			Convey("Then the second registration is reported", func() {
				So(err, ShouldNotBeNil)
				So(strings.Contains(err.Error(), ErrRegister.Error()), ShouldBeTrue)
			})
		})
	})
}
