package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	app "github.com/okian/rolodex/internal/app"
	"github.com/okian/rolodex/internal/config"
	"github.com/okian/rolodex/internal/domain/types"
)

func TestMainFunction(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When testing configuration loading", func() {
			_ = os.Setenv("ROLODEX_ADDR", ":8080")
			_ = os.Setenv("ROLODEX_QUEUE_SIZE", "1000")
			_ = os.Setenv("ROLODEX_WORKER_COUNT", "4")
			defer func() {
				_ = os.Unsetenv("ROLODEX_ADDR")
				_ = os.Unsetenv("ROLODEX_QUEUE_SIZE")
				_ = os.Unsetenv("ROLODEX_WORKER_COUNT")
			}()

			convey.Convey("Then configuration should be loadable", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 1000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
			})
		})

		convey.Convey("When testing invalid configuration", func() {
			_ = os.Setenv("ROLODEX_ADDR", "")
			defer func() { _ = os.Unsetenv("ROLODEX_ADDR") }()

			convey.Convey("Then configuration loading should fail", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func TestMainApplicationIntegration(t *testing.T) {
	convey.Convey("Given a service built from the default configuration", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cfg := config.New(ctx)
		cfg.WorkerCount = 2
		opts, closeSinks, err := app.FromConfig(ctx, cfg)
		convey.So(err, convey.ShouldBeNil)
		defer func() { _ = closeSinks() }()

		svc := app.New(opts...)
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		mux := newMux(ctx, svc, cfg.MaxUploadBytes)

		convey.Convey("When a CSV file is submitted over HTTP", func() {
			body := "name,email,phone\nAnn Lee,ann@x.com,555-0101\nBob Stone,bob@y.com,555-0202\n"
			req := httptest.NewRequest(http.MethodPost, "/imports?filename=book.csv", strings.NewReader(body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			convey.Convey("Then the job is accepted and completes", func() {
				convey.So(w.Code, convey.ShouldEqual, http.StatusAccepted)
				loc := w.Header().Get("Location")
				convey.So(loc, convey.ShouldStartWith, "/imports/")

				var job types.Job
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) {
					job, err = svc.Job(strings.TrimPrefix(loc, "/imports/"))
					convey.So(err, convey.ShouldBeNil)
					if job.Status.Terminal() {
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				convey.So(job.Status, convey.ShouldEqual, types.JobCompleted)
				convey.So(job.Analytics.InsertedCount, convey.ShouldEqual, 2)
				convey.So(svc.GetStats(ctx).StoredContacts, convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When the documentation routes are requested", func() {
			for _, path := range []string{"/", "/api-docs", "/openapi.yaml", "/healthz", "/metrics"} {
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
				convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			}
		})

		convey.Convey("When the service metrics are refreshed", func() {
			convey.So(func() { updateServiceMetrics(ctx, svc) }, convey.ShouldNotPanic)
		})
	})
}

func TestMainApplicationComponents(t *testing.T) {
	convey.Convey("Given main application components", t, func() {
		convey.Convey("When the system metrics updater runs until its context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			convey.So(func() { startSystemMetricsUpdater(ctx) }, convey.ShouldNotPanic)
		})

		convey.Convey("When the system metrics are updated", func() {
			convey.So(updateSystemMetrics, convey.ShouldNotPanic)
		})
	})
}
