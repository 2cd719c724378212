package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rolodex/internal/domain/recovery"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type recordingNotifier struct {
	calls []string
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, channel, recipient string, ie *recovery.ImportError) error {
	r.calls = append(r.calls, channel+"|"+recipient+"|"+string(ie.Kind))
	return r.err
}

func TestKafkaReporter(t *testing.T) {
	Convey("Given a kafka reporter over a fake writer", t, func() {
		w := &fakeWriter{}
		k := NewKafkaReporter([]string{"localhost:9092"}, "import-errors", WithWriter(w))
		ctx := WithRun(context.Background(), "run-7")
		ie := recovery.New(recovery.KindDatabase, "disk full", recovery.WithBatch(2))

		Convey("When an error is reported", func() {
			k.Report(ctx, ie)

			Convey("Then one message keyed by run id is published", func() {
				So(w.msgs, ShouldHaveLength, 1)
				So(string(w.msgs[0].Key), ShouldEqual, "run-7")
				So(string(w.msgs[0].Headers[0].Value), ShouldEqual, "database")

				var ev Event
				So(json.Unmarshal(w.msgs[0].Value, &ev), ShouldBeNil)
				So(ev.RunID, ShouldEqual, "run-7")
				So(ev.Error.Message, ShouldEqual, "disk full")
				So(ev.Error.Context.BatchIndex, ShouldEqual, 2)
			})
		})

		Convey("When the writer fails the caller is not affected", func() {
			w.err = errors.New("broker down")
			So(func() { k.Report(ctx, ie) }, ShouldNotPanic)
			So(w.msgs, ShouldBeEmpty)
		})

		Convey("When nil is reported nothing is published", func() {
			k.Report(ctx, nil)
			So(w.msgs, ShouldBeEmpty)
		})
	})

	Convey("Broker lists are split and trimmed", t, func() {
		So(ParseBrokers(" a:1, b:2 ,,"), ShouldResemble, []string{"a:1", "b:2"})
		So(ParseBrokers(""), ShouldBeNil)
	})
}

func TestWebhookNotifier(t *testing.T) {
	Convey("Given a webhook endpoint", t, func() {
		var (
			mu       sync.Mutex
			received []Event
			status   = http.StatusOK
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ev Event
			_ = json.NewDecoder(r.Body).Decode(&ev)
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
			w.WriteHeader(status)
		}))
		defer srv.Close()

		ie := recovery.New(recovery.KindUnknown, "boom")
		ctx := WithRun(context.Background(), "run-1")

		Convey("When an alert is sent over the webhook channel", func() {
			n := NewWebhookNotifier(srv.URL, WithPerMinute(0))
			err := n.Notify(ctx, ChannelWebhook, "ops@example.com", ie)

			So(err, ShouldBeNil)
			So(received, ShouldHaveLength, 1)
			So(received[0].Recipient, ShouldEqual, "ops@example.com")
			So(received[0].RunID, ShouldEqual, "run-1")
			So(received[0].Error.Message, ShouldEqual, "boom")
		})

		Convey("When the endpoint rejects the alert", func() {
			status = http.StatusBadGateway
			n := NewWebhookNotifier(srv.URL, WithPerMinute(0))
			err := n.Notify(ctx, ChannelWebhook, "ops", ie)
			So(errors.Is(err, ErrDelivery), ShouldBeTrue)
		})

		Convey("When alerts exceed the per-minute cap", func() {
			n := NewWebhookNotifier(srv.URL, WithPerMinute(2))
			So(n.Notify(ctx, ChannelWebhook, "ops", ie), ShouldBeNil)
			So(n.Notify(ctx, ChannelWebhook, "ops", ie), ShouldBeNil)
			So(n.Notify(ctx, ChannelWebhook, "ops", ie), ShouldEqual, ErrRateLimited)
			So(received, ShouldHaveLength, 2)
		})

		Convey("When the log channel is used no request is made", func() {
			n := NewWebhookNotifier("", WithPerMinute(0))
			So(n.Notify(ctx, ChannelLog, "ops", ie), ShouldBeNil)
			So(received, ShouldBeEmpty)
			So(n.Notify(ctx, ChannelWebhook, "ops", ie), ShouldEqual, ErrNoEndpoint)
			So(errors.Is(n.Notify(ctx, "sms", "ops", ie), ErrUnsupportedChannel), ShouldBeTrue)
		})
	})
}

func TestAlertReporter(t *testing.T) {
	Convey("Given an alert reporter", t, func() {
		n := &recordingNotifier{}
		a := NewAlertReporter(n, ChannelLog, "ops")
		ctx := context.Background()

		Convey("Then unrecoverable errors alert", func() {
			a.Report(ctx, recovery.New(recovery.KindUnknown, "boom"))
			So(n.calls, ShouldResemble, []string{"log|ops|unknown"})
		})

		Convey("Then failed recoveries alert", func() {
			ie := recovery.New(recovery.KindDatabase, "locked")
			ie.RecoveryFailed = true
			a.Report(ctx, ie)
			So(n.calls, ShouldHaveLength, 1)
		})

		Convey("Then warnings and pending recoverable errors do not", func() {
			a.Report(ctx, recovery.New(recovery.KindDatabase, "locked"))
			a.Report(ctx, recovery.New(recovery.KindUnknown, "soft", recovery.AsWarning()))
			a.Report(ctx, nil)
			So(n.calls, ShouldBeEmpty)
		})

		Convey("Then notifier failures are swallowed", func() {
			n.err = ErrRateLimited
			So(func() { a.Report(ctx, recovery.New(recovery.KindUnknown, "boom")) }, ShouldNotPanic)
		})
	})
}

func TestFanout(t *testing.T) {
	Convey("Given a fanout with a panicking member", t, func() {
		var got []string
		f := Fanout{
			recovery.ReporterFunc(func(context.Context, *recovery.ImportError) { got = append(got, "first") }),
			recovery.ReporterFunc(func(context.Context, *recovery.ImportError) { panic("sink down") }),
			nil,
			recovery.ReporterFunc(func(context.Context, *recovery.ImportError) { got = append(got, "last") }),
		}

		Convey("Then every other member still receives the error", func() {
			So(func() { f.Report(context.Background(), recovery.New(recovery.KindUnknown, "x")) }, ShouldNotPanic)
			So(got, ShouldResemble, []string{"first", "last"})
		})
	})
}

func TestDispatcher(t *testing.T) {
	Convey("Given a dispatcher in front of a slow sink", t, func() {
		var (
			mu    sync.Mutex
			got   []string
			runs  []string
			block = make(chan struct{})
		)
		slow := recovery.ReporterFunc(func(ctx context.Context, ie *recovery.ImportError) {
			<-block
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ie.Message)
			runs = append(runs, RunFrom(ctx))
		})
		d := NewDispatcher(slow, WithBuffer(2))

		Convey("When errors are reported", func() {
			ctx, cancel := context.WithCancel(WithRun(context.Background(), "run-3"))
			ie := recovery.New(recovery.KindDatabase, "first")
			start := time.Now()
			d.Report(ctx, ie)
			d.Report(ctx, recovery.New(recovery.KindDatabase, "second"))
			elapsed := time.Since(start)
			ie.Message = "changed after report"
			cancel()

			Convey("Then Report returns without waiting for the sink", func() {
				So(elapsed, ShouldBeLessThan, 100*time.Millisecond)
				close(block)
				So(d.Close(context.Background()), ShouldBeNil)
			})

			Convey("Then Close delivers everything queued with the run id kept", func() {
				close(block)
				So(d.Close(context.Background()), ShouldBeNil)
				mu.Lock()
				defer mu.Unlock()
				So(got, ShouldResemble, []string{"first", "second"})
				So(runs, ShouldResemble, []string{"run-3", "run-3"})
			})
		})

		Convey("When the buffer is full", func() {
			for i := 0; i < 10; i++ {
				d.Report(context.Background(), recovery.New(recovery.KindUnknown, "x"))
			}

			Convey("Then extra errors are dropped instead of blocking", func() {
				So(d.Pending(), ShouldBeLessThanOrEqualTo, 2)
				close(block)
				So(d.Close(context.Background()), ShouldBeNil)
				mu.Lock()
				defer mu.Unlock()
				So(len(got), ShouldBeBetweenOrEqual, 2, 3)
			})
		})

		Convey("When Close runs out of time", func() {
			d.Report(context.Background(), recovery.New(recovery.KindUnknown, "stuck"))
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			Convey("Then it returns the context error", func() {
				So(d.Close(ctx), ShouldEqual, context.DeadlineExceeded)
				close(block)
				So(d.Close(context.Background()), ShouldBeNil)
			})
		})

		Convey("When reporting after Close", func() {
			close(block)
			So(d.Close(context.Background()), ShouldBeNil)

			Convey("Then the error is discarded without panicking", func() {
				So(func() { d.Report(context.Background(), recovery.New(recovery.KindUnknown, "late")) }, ShouldNotPanic)
				So(d.Close(context.Background()), ShouldBeNil)
				So(got, ShouldBeEmpty)
			})
		})
	})

	Convey("Given a dispatcher over a panicking sink", t, func() {
		d := NewDispatcher(recovery.ReporterFunc(func(context.Context, *recovery.ImportError) { panic("sink down") }))

		Convey("Then delivery keeps going and Close returns", func() {
			d.Report(context.Background(), recovery.New(recovery.KindUnknown, "a"))
			d.Report(context.Background(), recovery.New(recovery.KindUnknown, "b"))
			So(d.Close(context.Background()), ShouldBeNil)
		})
	})
}
