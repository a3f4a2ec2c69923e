// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package holder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type resource struct {
	id int
}

func TestHolder(t *testing.T) {
	Convey("Given a Holder around a counting factory", t, func() {
		var creations int64
		h := New(func(_ context.Context) (*resource, error) {
			id := atomic.AddInt64(&creations, 1)
			return &resource{id: int(id)}, nil
		}, nil)

		Convey("When 20 callers race on GetOrCreate", func() {
			var wg sync.WaitGroup
			results := make([]*resource, 20)
			errs := make([]error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = h.GetOrCreate(context.Background())
				}(i)
			}
			wg.Wait()

			Convey("The factory should be invoked exactly once", func() {
				So(atomic.LoadInt64(&creations), ShouldEqual, 1)
			})
			Convey("All callers should receive the same instance", func() {
				for i := 0; i < 20; i++ {
					So(errs[i], ShouldBeNil)
					So(results[i], ShouldEqual, results[0])
				}
			})
		})

		Convey("When the cached resource is invalidated", func() {
			first, err := h.GetOrCreate(context.Background())
			So(err, ShouldBeNil)
			h.InvalidateResource(first)

			Convey("The next GetOrCreate should recreate", func() {
				second, err := h.GetOrCreate(context.Background())
				So(err, ShouldBeNil)
				So(second, ShouldNotEqual, first)
				So(atomic.LoadInt64(&creations), ShouldEqual, 2)
			})
		})

		Convey("When a stale resource is invalidated", func() {
			first, err := h.GetOrCreate(context.Background())
			So(err, ShouldBeNil)
			h.Invalidate()
			second, err := h.GetOrCreate(context.Background())
			So(err, ShouldBeNil)
			h.InvalidateResource(first)

			Convey("The replacement should stay cached", func() {
				cached, ok := h.TryGet()
				So(ok, ShouldBeTrue)
				So(cached, ShouldEqual, second)
			})
		})

		Convey("When the holder is closed", func() {
			var torndown []*resource
			h := New(func(_ context.Context) (*resource, error) {
				id := atomic.AddInt64(&creations, 1)
				return &resource{id: int(id)}, nil
			}, func(_ context.Context, r *resource) {
				torndown = append(torndown, r)
			})
			first, err := h.GetOrCreate(context.Background())
			So(err, ShouldBeNil)
			h.Close(context.Background())
			h.Close(context.Background())

			Convey("The teardown should run once on the cached resource", func() {
				So(torndown, ShouldHaveLength, 1)
				So(torndown[0], ShouldEqual, first)
			})
			Convey("The next GetOrCreate should recreate", func() {
				second, err := h.GetOrCreate(context.Background())
				So(err, ShouldBeNil)
				So(second, ShouldNotEqual, first)
			})
		})
	})

	Convey("Given a Holder around a slow factory", t, func() {
		release := make(chan struct{})
		var creations int64
		h := New(func(_ context.Context) (*resource, error) {
			<-release
			id := atomic.AddInt64(&creations, 1)
			return &resource{id: int(id)}, nil
		}, nil)

		Convey("When one waiter times out before creation completes", func() {
			short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()

			type outcome struct {
				resource *resource
				err      error
			}
			patient := make(chan outcome, 1)
			go func() {
				r, err := h.GetOrCreate(context.Background())
				patient <- outcome{r, err}
			}()

			_, err := h.GetOrCreate(short)
			close(release)

			Convey("The impatient waiter should get the context error", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
			Convey("The patient waiter should still get the resource", func() {
				result := <-patient
				So(result.err, ShouldBeNil)
				So(result.resource, ShouldNotBeNil)
				So(atomic.LoadInt64(&creations), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a Holder that is closed during a creation", t, func() {
		release := make(chan struct{})
		var creations int64
		var mu sync.Mutex
		var torndown []*resource
		h := New(func(_ context.Context) (*resource, error) {
			<-release
			id := atomic.AddInt64(&creations, 1)
			return &resource{id: int(id)}, nil
		}, func(_ context.Context, r *resource) {
			mu.Lock()
			torndown = append(torndown, r)
			mu.Unlock()
		})

		Convey("When Close races the in-flight creation", func() {
			type outcome struct {
				resource *resource
				err      error
			}
			waiter := make(chan outcome, 1)
			go func() {
				r, err := h.GetOrCreate(context.Background())
				waiter <- outcome{r, err}
			}()
			time.Sleep(10 * time.Millisecond)
			h.Close(context.Background())
			close(release)
			result := <-waiter

			Convey("The waiter should learn the holder was closed", func() {
				So(result.err, ShouldEqual, ErrClosed)
			})
			Convey("The abandoned resource should be torn down, not cached", func() {
				mu.Lock()
				defer mu.Unlock()
				So(torndown, ShouldHaveLength, 1)
				_, ok := h.TryGet()
				So(ok, ShouldBeFalse)
			})
			Convey("The next GetOrCreate should create from scratch", func() {
				second, err := h.GetOrCreate(context.Background())
				So(err, ShouldBeNil)
				So(second.id, ShouldEqual, 2)
			})
		})
	})

	Convey("Given a Holder around a failing factory", t, func() {
		boom := errors.New("factory exploded")
		var creations int64
		h := New(func(_ context.Context) (*resource, error) {
			atomic.AddInt64(&creations, 1)
			return nil, boom
		}, nil)

		Convey("When concurrent callers wait on the same creation", func() {
			var wg sync.WaitGroup
			errs := make([]error, 5)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = h.GetOrCreate(context.Background())
				}(i)
			}
			wg.Wait()

			Convey("The factory error should propagate to all waiters", func() {
				for i := 0; i < 5; i++ {
					So(errors.Is(errs[i], boom), ShouldBeTrue)
				}
			})
			Convey("Nothing should be cached", func() {
				_, ok := h.TryGet()
				So(ok, ShouldBeFalse)
			})
		})
	})
}
