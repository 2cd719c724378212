package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type captureReporter struct {
	mu   sync.Mutex
	errs []*ImportError
}

func (c *captureReporter) Report(_ context.Context, err *ImportError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func TestRetry(t *testing.T) {
	Convey("Given an operation that fails twice and then succeeds", t, func() {
		calls := 0
		op := func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", fmt.Errorf("attempt %d: %w", calls, ErrDatabase)
			}
			return "ok", nil
		}

		Convey("When retried with maxRetries=3", func() {
			v, err := Retry(context.Background(), op, 3, time.Millisecond)

			Convey("Then it returns the success value after exactly 3 calls", func() {
				So(err, ShouldBeNil)
				So(v, ShouldEqual, "ok")
				So(calls, ShouldEqual, 3)
			})
		})

		Convey("When retried with maxRetries=2", func() {
			_, err := Retry(context.Background(), op, 2, time.Millisecond)

			Convey("Then the last error is returned", func() {
				So(calls, ShouldEqual, 2)
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldStartWith, "attempt 2")
				So(errors.Is(err, ErrDatabase), ShouldBeTrue)
			})
		})
	})

	Convey("Given an operation that always fails", t, func() {
		var stamps []time.Time
		op := func(context.Context) (int, error) {
			stamps = append(stamps, time.Now())
			return 0, errors.New("down")
		}

		Convey("When retried", func() {
			_, err := Retry(context.Background(), op, 3, 10*time.Millisecond)

			Convey("Then the delays grow exponentially", func() {
				So(err, ShouldNotBeNil)
				So(len(stamps), ShouldEqual, 3)
				So(stamps[1].Sub(stamps[0]), ShouldBeGreaterThanOrEqualTo, 10*time.Millisecond)
				So(stamps[2].Sub(stamps[1]), ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)
			})
		})

		Convey("When the context is cancelled during backoff", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := Retry(ctx, op, 5, time.Second)

			Convey("Then it stops early", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(len(stamps), ShouldEqual, 1)
			})
		})

		Convey("When maxRetries is not positive", func() {
			_, _ = Retry(context.Background(), op, 0, time.Millisecond)

			Convey("Then the operation still runs once", func() {
				So(len(stamps), ShouldEqual, 1)
			})
		})
	})
}

func TestFallback(t *testing.T) {
	Convey("Given a primary and a fallback", t, func() {
		ctx := context.Background()
		ok := func(v string) func(context.Context) (string, error) {
			return func(context.Context) (string, error) { return v, nil }
		}
		fail := func(msg string) func(context.Context) (string, error) {
			return func(context.Context) (string, error) { return "", errors.New(msg) }
		}

		Convey("Then a working primary wins", func() {
			v, err := Fallback(ctx, ok("primary"), ok("fallback"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "primary")
		})

		Convey("Then a failing primary defers to the fallback", func() {
			v, err := Fallback(ctx, fail("primary down"), ok("fallback"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "fallback")
		})

		Convey("Then the fallback's own failure propagates", func() {
			_, err := Fallback(ctx, fail("primary down"), fail("fallback down"))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldEqual, "fallback down")
		})
	})
}

func TestClassification(t *testing.T) {
	Convey("Given errors from different layers", t, func() {
		Convey("Then sentinels map to their kinds", func() {
			So(Classify(fmt.Errorf("insert: %w", ErrDatabase)), ShouldEqual, KindDatabase)
			So(Classify(fmt.Errorf("row 3: %w", ErrFileParse)), ShouldEqual, KindFileParse)
			So(Classify(&fs.PathError{Op: "open", Path: "x.csv", Err: fs.ErrNotExist}), ShouldEqual, KindFileRead)
			So(Classify(errors.New("mystery")), ShouldEqual, KindUnknown)
		})

		Convey("Then an ImportError keeps its kind when wrapped again", func() {
			ie := New(KindValidation, "bad email", WithContact("c-1"))
			wrapped := fmt.Errorf("stage: %w", ie)

			So(Classify(wrapped), ShouldEqual, KindValidation)
			So(Wrap(KindDatabase, wrapped), ShouldEqual, ie)
			So(errors.Is(ie, ErrValidation), ShouldBeTrue)
		})

		Convey("Then every kind maps to exactly one strategy", func() {
			seen := map[Strategy]bool{}
			for _, k := range Kinds {
				s := StrategyFor(k)
				So(seen[s], ShouldBeFalse)
				seen[s] = true
			}
		})
	})
}

func TestRecoverablePredicates(t *testing.T) {
	Convey("Given the recoverable predicates", t, func() {
		Convey("Then a parse error needs both format and line", func() {
			So(New(KindFileParse, "x").Recoverable, ShouldBeFalse)
			So(New(KindFileParse, "x", WithFormat("csv")).Recoverable, ShouldBeFalse)
			So(New(KindFileParse, "x", WithLine(4)).Recoverable, ShouldBeFalse)
			So(New(KindFileParse, "x", WithFormat("csv"), WithLine(4)).Recoverable, ShouldBeTrue)
		})

		Convey("Then file errors need a file name", func() {
			So(New(KindFileRead, "x").Recoverable, ShouldBeFalse)
			So(New(KindFileFormat, "x", WithFile("a.txt")).Recoverable, ShouldBeTrue)
		})

		Convey("Then validation errors need a contact id", func() {
			So(New(KindValidation, "x").Recoverable, ShouldBeFalse)
			So(New(KindValidation, "x", WithContact("c-9")).Recoverable, ShouldBeTrue)
		})

		Convey("Then pipeline and database errors are recoverable and unknown ones are not", func() {
			So(New(KindNormalization, "x").Recoverable, ShouldBeTrue)
			So(New(KindDuplicateDetection, "x").Recoverable, ShouldBeTrue)
			So(New(KindDatabase, "x").Recoverable, ShouldBeTrue)
			So(New(KindUnknown, "x").Recoverable, ShouldBeFalse)
		})

		Convey("Then the error text carries its context", func() {
			ie := New(KindFileParse, "unterminated quote", WithFile("a.csv"), WithLine(7), WithBatch(2))
			So(ie.Error(), ShouldEqual, "file_parse: unterminated quote (file a.csv line 7) [batch 2]")
		})
	})
}

func TestRecovererAttempt(t *testing.T) {
	Convey("Given a recoverer with a capturing reporter", t, func() {
		ctx := context.Background()
		sink := &captureReporter{}
		r := NewRecoverer(WithReporter(sink))

		Convey("When a recoverable error is recovered", func() {
			ie := New(KindDatabase, "connection reset")
			calls := 0
			err := r.Attempt(ctx, ie, func(context.Context) error { calls++; return nil })

			Convey("Then it is downgraded to a warning and still reported", func() {
				So(err, ShouldBeNil)
				So(calls, ShouldEqual, 1)
				So(ie.IsWarning(), ShouldBeTrue)
				So(ie.RecoveryNote, ShouldEqual, "recovered via retry_write")
				So(sink.errs, ShouldHaveLength, 1)
			})
		})

		Convey("When the recovery action itself fails", func() {
			ie := New(KindNormalization, "rule exploded")
			err := r.Attempt(ctx, ie, func(context.Context) error { return errors.New("fallback broke too") })

			Convey("Then the original error surfaces with a note", func() {
				So(err, ShouldEqual, ie)
				So(ie.Kind, ShouldEqual, KindNormalization)
				So(ie.Message, ShouldEqual, "rule exploded")
				So(ie.RecoveryFailed, ShouldBeTrue)
				So(ie.RecoveryNote, ShouldContainSubstring, "fallback_rules failed")
				So(ie.IsWarning(), ShouldBeFalse)
			})
		})

		Convey("When the recovery action panics", func() {
			ie := New(KindDatabase, "x")
			err := r.Attempt(ctx, ie, func(context.Context) error { panic("boom") })

			So(err, ShouldEqual, ie)
			So(ie.RecoveryNote, ShouldContainSubstring, "panicked")
		})

		Convey("When the error is not recoverable", func() {
			ie := New(KindUnknown, "???")
			called := false
			err := r.Attempt(ctx, ie, func(context.Context) error { called = true; return nil })

			Convey("Then no action runs and the error is reported", func() {
				So(err, ShouldEqual, ie)
				So(called, ShouldBeFalse)
				So(sink.errs, ShouldHaveLength, 1)
			})
		})

		Convey("When the reporter panics", func() {
			r := NewRecoverer(WithReporter(ReporterFunc(func(context.Context, *ImportError) { panic("sink down") })))

			Convey("Then the pipeline is not affected", func() {
				So(func() { _ = r.Attempt(ctx, New(KindUnknown, "x"), nil) }, ShouldNotPanic)
			})
		})
	})
}
