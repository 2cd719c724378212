package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func job(id string) Job {
	return Job{ID: id, Source: id + ".csv", Size: 10, SubmittedAt: time.Now()}
}

func TestInMemoryQueue(t *testing.T) {
	Convey("Given a queue with capacity 2", t, func() {
		q := NewInMemoryQueue(WithCapacity(2))
		ctx := context.Background()

		So(q.Len(ctx), ShouldEqual, 0)

		Convey("When two jobs are enqueued", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			So(q.Enqueue(ctx, job("b")), ShouldBeNil)

			Convey("Then a third is rejected as full", func() {
				So(q.Enqueue(ctx, job("c")), ShouldEqual, ErrFull)
				So(q.Len(ctx), ShouldEqual, 2)
			})

			Convey("Then they come out in order", func() {
				ch := q.Dequeue(ctx)
				So((<-ch).ID, ShouldEqual, "a")
				So((<-ch).ID, ShouldEqual, "b")
			})
		})

		Convey("When the queue is closed", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			So(q.Close(), ShouldBeNil)
			So(q.IsClosed(), ShouldBeTrue)

			Convey("Then new jobs are refused and pending ones drain", func() {
				So(q.Enqueue(ctx, job("b")), ShouldEqual, ErrClosed)

				var got []string
				for j := range q.Dequeue(ctx) {
					got = append(got, j.ID)
				}
				So(got, ShouldResemble, []string{"a"})
				So(q.Close(), ShouldBeNil)
			})
		})

		Convey("When the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			So(q.Enqueue(cctx, job("a")), ShouldEqual, context.Canceled)

			ch := q.Dequeue(cctx)
			_, ok := <-ch
			So(ok, ShouldBeFalse)
		})
	})
}

func TestInMemoryQueueConcurrent(t *testing.T) {
	Convey("Given concurrent producers and consumers", t, func() {
		q := NewInMemoryQueue(WithCapacity(16))
		ctx := context.Background()

		const producers, perProducer = 8, 50
		var wg sync.WaitGroup
		for i := range producers {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := range perProducer {
					for q.Enqueue(ctx, job(fmt.Sprintf("%d-%d", id, j))) != nil {
						time.Sleep(time.Millisecond)
					}
				}
			}(i)
		}

		seen := make(chan string, producers*perProducer)
		var cwg sync.WaitGroup
		for range 4 {
			cwg.Add(1)
			go func() {
				defer cwg.Done()
				for j := range q.Dequeue(ctx) {
					seen <- j.ID
				}
			}()
		}

		wg.Wait()
		So(q.Close(), ShouldBeNil)
		cwg.Wait()
		close(seen)

		ids := make(map[string]struct{})
		for id := range seen {
			ids[id] = struct{}{}
		}
		So(ids, ShouldHaveLength, producers*perProducer)
	})
}
