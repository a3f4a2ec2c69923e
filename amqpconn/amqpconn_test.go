// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/hub-service-connector/token"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

func testLogger(logs *bytes.Buffer) *log.Logger {
	return &log.Logger{
		Handler: text.New(logs),
		Level:   log.DebugLevel,
	}
}

func testProvider() token.Provider {
	provider, err := token.NewSharedAccessKey("service",
		base64.StdEncoding.EncodeToString([]byte("test key")))
	if err != nil {
		panic(err)
	}
	return provider
}

func TestManager(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {
		var logs bytes.Buffer
		ctx := testLogger(&logs)
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		Convey("When creating a Manager without a host name", func() {
			_, err := New(Config{TokenProvider: testProvider()}, ctx)
			Convey("There should be an error", func() {
				So(err, ShouldEqual, ErrNoHostName)
			})
		})

		Convey("When creating a Manager without a token provider", func() {
			_, err := New(Config{HostName: "hub.example.com"}, ctx)
			Convey("There should be an error", func() {
				So(err, ShouldEqual, ErrNoTokenProvider)
			})
		})

		Convey("When creating a valid Manager", func() {
			m, err := New(Config{
				HostName:      "hub.example.com",
				TokenProvider: testProvider(),
			}, ctx)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The state should be Unopened", func() {
				So(m.State(), ShouldEqual, StateUnopened)
			})

			Convey("When closing a Manager that was never opened", func() {
				So(m.Close(), ShouldBeNil)
				Convey("The state should be Closed", func() {
					So(m.State(), ShouldEqual, StateClosed)
				})
			})

			Convey("When generating delivery tags sequentially", func() {
				seen := make(map[string]bool)
				for i := 0; i < 100; i++ {
					seen[string(m.NextDeliveryTag())] = true
				}
				Convey("All tags should be distinct", func() {
					So(seen, ShouldHaveLength, 100)
				})
			})

			Convey("When generating delivery tags concurrently", func() {
				var mu sync.Mutex
				seen := make(map[string]bool)
				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for j := 0; j < 100; j++ {
							tag := m.NextDeliveryTag()
							mu.Lock()
							seen[string(tag)] = true
							mu.Unlock()
						}
					}()
				}
				wg.Wait()
				Convey("All tags should be distinct", func() {
					So(seen, ShouldHaveLength, 1000)
				})
			})
		})
	})
}

func TestTLSConfig(t *testing.T) {
	Convey("Given a Manager with default TLS settings", t, func() {
		var logs bytes.Buffer
		m, err := New(Config{
			HostName:      "hub.example.com",
			TokenProvider: testProvider(),
		}, testLogger(&logs))
		So(err, ShouldBeNil)

		Convey("The TLS config should verify strictly by default", func() {
			config := m.tlsConfig()
			So(config.ServerName, ShouldEqual, "hub.example.com")
			So(config.InsecureSkipVerify, ShouldBeFalse)
			So(config.VerifyPeerCertificate, ShouldBeNil)
		})

		Convey("When the hostname verification escape hatch is set", func() {
			os.Setenv(DisableHostnameVerificationEnv, "true")
			Reset(func() { os.Unsetenv(DisableHostnameVerificationEnv) })

			config := m.tlsConfig()
			Convey("Hostname verification should be off, chain verification on", func() {
				So(config.InsecureSkipVerify, ShouldBeTrue)
				So(config.VerifyPeerCertificate, ShouldNotBeNil)
			})
		})

		Convey("A caller-supplied TLS config should not be mutated", func() {
			supplied := &tls.Config{ServerName: "other.example.com"}
			m.config.TLSConfig = supplied
			os.Setenv(DisableHostnameVerificationEnv, "1")
			Reset(func() { os.Unsetenv(DisableHostnameVerificationEnv) })

			config := m.tlsConfig()
			So(config.ServerName, ShouldEqual, "other.example.com")
			So(config.InsecureSkipVerify, ShouldBeTrue)
			So(supplied.InsecureSkipVerify, ShouldBeFalse)
		})
	})
}

func TestCBSStatus(t *testing.T) {
	Convey("Given CBS responses with different status widths", t, func() {
		for _, status := range []any{int(202), int32(202), int64(202)} {
			code, description := cbsStatus(&amqp.Message{
				ApplicationProperties: map[string]any{
					"status-code":        status,
					"status-description": "OK",
				},
			})
			So(code, ShouldEqual, 202)
			So(description, ShouldEqual, "OK")
		}

		Convey("A response without properties should yield zero", func() {
			code, _ := cbsStatus(&amqp.Message{})
			So(code, ShouldEqual, 0)
		})
	})
}

func TestLinkNames(t *testing.T) {
	Convey("Given the link name generator", t, func() {
		first := linkName("sender", "/messages/deviceBound")
		second := linkName("sender", "/messages/deviceBound")

		Convey("Names should carry role and path", func() {
			So(first, ShouldStartWith, "sender-messages-deviceBound-")
		})
		Convey("Names should be unique", func() {
			So(first, ShouldNotEqual, second)
		})
	})
}

func TestRefresher(t *testing.T) {
	Convey("Given a refresher with short intervals", t, func(c C) {
		var logs bytes.Buffer
		ctx := testLogger(&logs)
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		var mu sync.Mutex
		var calls []time.Time
		var results []func() (time.Time, error)
		refresh := func(_ context.Context) (time.Time, error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, time.Now())
			next := results[0]
			if len(results) > 1 {
				results = results[1:]
			}
			return next()
		}
		r := newRefresher(refresh, time.Second, ctx)
		r.buffer = 50 * time.Millisecond
		r.retry = 30 * time.Millisecond
		Reset(func() { r.stop() })

		Convey("When scheduling a token that expires soon", func() {
			mu.Lock()
			expires := time.Now().Add(120 * time.Millisecond)
			results = []func() (time.Time, error){
				func() (time.Time, error) { return time.Now().Add(time.Hour), nil },
			}
			mu.Unlock()
			start := time.Now()
			r.schedule(expires)
			time.Sleep(150 * time.Millisecond)

			Convey("The refresh should fire at expiry minus the buffer", func() {
				mu.Lock()
				defer mu.Unlock()
				So(calls, ShouldHaveLength, 1)
				elapsed := calls[0].Sub(start)
				So(elapsed, ShouldBeGreaterThanOrEqualTo, 50*time.Millisecond)
				So(calls[0], ShouldHappenBefore, expires)
			})
		})

		Convey("When the first refresh fails", func() {
			mu.Lock()
			results = []func() (time.Time, error){
				func() (time.Time, error) { return time.Time{}, &TransportError{Op: "refresh", Err: context.DeadlineExceeded} },
				func() (time.Time, error) { return time.Now().Add(time.Hour), nil },
			}
			mu.Unlock()
			r.schedule(time.Now().Add(60 * time.Millisecond))
			time.Sleep(120 * time.Millisecond)

			Convey("It should retry after the retry interval instead of giving up", func() {
				mu.Lock()
				defer mu.Unlock()
				So(len(calls), ShouldBeGreaterThanOrEqualTo, 2)
				So(calls[1].Sub(calls[0]), ShouldBeGreaterThanOrEqualTo, 30*time.Millisecond)
			})
		})

		Convey("When scheduling after stop", func() {
			r.stop()
			So(func() { r.schedule(time.Now().Add(60 * time.Millisecond)) }, ShouldNotPanic)
			time.Sleep(100 * time.Millisecond)

			Convey("No refresh should fire", func() {
				mu.Lock()
				defer mu.Unlock()
				So(calls, ShouldHaveLength, 0)
			})
		})

		Convey("When there is no open session", func() {
			mu.Lock()
			results = []func() (time.Time, error){
				func() (time.Time, error) { return time.Time{}, ErrSessionNotOpen },
			}
			mu.Unlock()
			r.schedule(time.Now().Add(60 * time.Millisecond))
			time.Sleep(150 * time.Millisecond)

			Convey("The refresh should suspend rather than retry", func() {
				mu.Lock()
				defer mu.Unlock()
				So(calls, ShouldHaveLength, 1)
			})
		})
	})
}

func TestOpenIntegration(t *testing.T) {
	host := os.Getenv("HUB_ADDRESS")
	if host == "" {
		t.Skip("no HUB_ADDRESS configured")
	}
	keyName, key := os.Getenv("HUB_KEY_NAME"), os.Getenv("HUB_KEY")

	Convey("Given a Manager for the configured hub", t, func(c C) {
		var logs bytes.Buffer
		ctx := testLogger(&logs)
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		provider, err := token.NewSharedAccessKey(keyName, key)
		So(err, ShouldBeNil)
		m, err := New(Config{HostName: host, TokenProvider: provider}, ctx)
		So(err, ShouldBeNil)

		Convey("When calling Open", func() {
			openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err := m.Open(openCtx)
			Reset(func() { m.Close() })

			Convey("There should be no error and the state should be Open", func() {
				So(err, ShouldBeNil)
				So(m.State(), ShouldEqual, StateOpen)
			})
		})
	})
}
