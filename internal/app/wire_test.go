package service

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rolodex/internal/adapters/notify"
	"github.com/okian/rolodex/internal/config"
	"github.com/okian/rolodex/internal/domain/merge"
)

func TestFromConfig(t *testing.T) {
	Convey("Given the default configuration", t, func() {
		ctx := context.Background()
		cfg := config.New(ctx)
		cfg.WorkerCount = 2
		cfg.MergeStrategy = "combine"

		Convey("When it is turned into service options", func() {
			opts, closeSinks, err := FromConfig(ctx, cfg)
			So(err, ShouldBeNil)
			defer func() { _ = closeSinks() }()

			svc := New(opts...)
			So(svc.Start(ctx), ShouldBeNil)
			defer func() { _ = svc.Stop(ctx) }()

			Convey("Then the service runs with the configured settings", func() {
				st := svc.GetStats(ctx)
				So(st.Started, ShouldBeTrue)
				So(st.Workers, ShouldEqual, 2)
				So(st.QueueCapacity, ShouldEqual, cfg.QueueSize)
				So(st.StoreDriver, ShouldEqual, "memory")
				So(svc.strategy, ShouldEqual, merge.StrategyCombine)
			})
		})

		Convey("When the strategy is unknown", func() {
			cfg.MergeStrategy = "newest"
			_, _, err := FromConfig(ctx, cfg)
			So(errors.Is(err, merge.ErrUnknownStrategy), ShouldBeTrue)
		})

		Convey("When no Kafka brokers are configured", func() {
			r, closeSinks := Reporters(cfg)

			Convey("Then only the alert reporter is installed", func() {
				fan, ok := r.(notify.Fanout)
				So(ok, ShouldBeTrue)
				So(fan, ShouldHaveLength, 1)
				So(closeSinks(), ShouldBeNil)
			})
		})

		Convey("When Kafka brokers are configured", func() {
			cfg.KafkaBrokers = "127.0.0.1:1"
			r, closeSinks := Reporters(cfg)

			Convey("Then a Kafka reporter precedes the alerts", func() {
				fan := r.(notify.Fanout)
				So(fan, ShouldHaveLength, 2)
				_, isKafka := fan[0].(*notify.KafkaReporter)
				So(isKafka, ShouldBeTrue)
				So(closeSinks(), ShouldBeNil)
			})
		})
	})
}
