package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rolodex/internal/adapters/http/api"
	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/types"
)

type mockDeps struct {
	started   bool
	submitErr error
	submitted []types.SubmitRequest
	bodies    [][]byte
	jobs      map[string]types.Job
	controlOp string
	controlEr error
}

func newMockDeps() *mockDeps {
	return &mockDeps{
		started: true,
		jobs: map[string]types.Job{
			"job-1": {ID: "job-1", Source: "a.csv", Status: types.JobRunning, Progress: 40},
		},
	}
}

func (m *mockDeps) IsStarted() bool { return m.started }

func (m *mockDeps) GetStats(context.Context) types.Stats {
	return types.Stats{Started: m.started, Workers: 3, StoreDriver: "memory"}
}

func (m *mockDeps) Submit(_ context.Context, data []byte, req types.SubmitRequest) (types.Job, error) {
	m.submitted = append(m.submitted, req)
	m.bodies = append(m.bodies, data)
	if m.submitErr != nil {
		return m.jobs["job-1"], m.submitErr
	}
	return types.Job{ID: "job-2", Source: req.Filename, Status: types.JobQueued}, nil
}

func (m *mockDeps) Job(id string) (types.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return types.Job{}, types.ErrJobNotFound
	}
	return j, nil
}

func (m *mockDeps) Jobs() []types.Job {
	return []types.Job{m.jobs["job-1"]}
}

func (m *mockDeps) control(op, id string, status types.JobStatus) (types.Job, error) {
	m.controlOp = op
	if m.controlEr != nil {
		return types.Job{}, m.controlEr
	}
	j, err := m.Job(id)
	if err != nil {
		return j, err
	}
	j.Status = status
	return j, nil
}

func (m *mockDeps) Pause(_ context.Context, id string) (types.Job, error) {
	return m.control("pause", id, types.JobPaused)
}

func (m *mockDeps) Resume(_ context.Context, id string) (types.Job, error) {
	return m.control("resume", id, types.JobRunning)
}

func (m *mockDeps) Cancel(_ context.Context, id string) (types.Job, error) {
	return m.control("cancel", id, types.JobCancelled)
}

func newMux(deps api.Dependencies, opts ...api.Option) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, opts...).Register(context.Background(), mux)
	return mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHealthAndStats(t *testing.T) {
	Convey("Given a registered API", t, func() {
		deps := newMockDeps()
		mux := newMux(deps)

		Convey("Then /healthz reports ok", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"ok"`)
		})

		Convey("Then /healthz reports 503 before start", func() {
			deps.started = false
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Then /stats returns the service stats", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var st types.Stats
			So(json.Unmarshal(w.Body.Bytes(), &st), ShouldBeNil)
			So(st.Workers, ShouldEqual, 3)
			So(st.StoreDriver, ShouldEqual, "memory")
		})

		Convey("Then /metrics serves Prometheus text", func() {
			do(mux, http.MethodGet, "/stats", "")
			w := do(mux, http.MethodGet, "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "rolodex_")
		})

		Convey("Then the wrong method is rejected", func() {
			w := do(mux, http.MethodPost, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestSubmitImport(t *testing.T) {
	Convey("Given a registered API", t, func() {
		deps := newMockDeps()
		mux := newMux(deps, api.WithMaxBodyBytes(64))

		Convey("When a file is posted with parameters", func() {
			w := do(mux, http.MethodPost, "/imports?filename=a.csv&format=csv&strategy=combine&threshold=0.7", "name,email\nAnn,a@x.com\n")

			Convey("Then the job is accepted", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(w.Header().Get("Location"), ShouldEqual, "/imports/job-2")
				So(w.Body.String(), ShouldContainSubstring, `"accepted"`)
				So(deps.submitted, ShouldHaveLength, 1)
				req := deps.submitted[0]
				So(req.Filename, ShouldEqual, "a.csv")
				So(req.Format, ShouldEqual, string(parser.FormatCSV))
				So(req.Strategy, ShouldEqual, merge.StrategyCombine)
				So(req.Threshold, ShouldEqual, 0.7)
				So(string(deps.bodies[0]), ShouldStartWith, "name,email")
			})
		})

		Convey("When the upload was seen before", func() {
			deps.submitErr = types.ErrDuplicateUpload
			w := do(mux, http.MethodPost, "/imports", "name\nAnn\n")

			Convey("Then the earlier job is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var resp struct {
					Duplicate bool      `json:"duplicate"`
					Job       types.Job `json:"job"`
				}
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.Duplicate, ShouldBeTrue)
				So(resp.Job.ID, ShouldEqual, "job-1")
			})
		})

		Convey("When the queue is full", func() {
			deps.submitErr = types.ErrQueueFull
			w := do(mux, http.MethodPost, "/imports", "name\nAnn\n")

			Convey("Then backpressure is signalled", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(w.Body.String(), ShouldContainSubstring, "backpressure")
			})
		})

		Convey("When the service is not started", func() {
			deps.submitErr = types.ErrNotStarted
			w := do(mux, http.MethodPost, "/imports", "name\nAnn\n")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("When the upload is empty", func() {
			deps.submitErr = types.ErrEmptyUpload
			w := do(mux, http.MethodPost, "/imports", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the body exceeds the limit", func() {
			w := do(mux, http.MethodPost, "/imports", strings.Repeat("x", 65))

			Convey("Then it is refused before reaching the service", func() {
				So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
				So(deps.submitted, ShouldBeEmpty)
			})
		})

		Convey("When parameters are invalid", func() {
			for _, target := range []string{
				"/imports?format=pdf",
				"/imports?strategy=newest",
				"/imports?threshold=2",
				"/imports?threshold=abc",
			} {
				w := do(mux, http.MethodPost, target, "name\nAnn\n")
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			}
			So(deps.submitted, ShouldBeEmpty)
		})
	})
}

func TestJobEndpoints(t *testing.T) {
	Convey("Given a registered API with one job", t, func() {
		deps := newMockDeps()
		mux := newMux(deps)

		Convey("Then the job list is returned", func() {
			w := do(mux, http.MethodGet, "/imports", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var resp struct {
				Jobs []types.Job `json:"jobs"`
			}
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Jobs, ShouldHaveLength, 1)
		})

		Convey("Then a job is returned by id", func() {
			w := do(mux, http.MethodGet, "/imports/job-1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var j types.Job
			So(json.Unmarshal(w.Body.Bytes(), &j), ShouldBeNil)
			So(j.Progress, ShouldEqual, 40)
		})

		Convey("Then an unknown job is 404", func() {
			w := do(mux, http.MethodGet, "/imports/nope", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then pause, resume and cancel reach the service", func() {
			w := do(mux, http.MethodPost, "/imports/job-1/pause", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.controlOp, ShouldEqual, "pause")
			So(w.Body.String(), ShouldContainSubstring, `"paused"`)

			w = do(mux, http.MethodPost, "/imports/job-1/resume", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.controlOp, ShouldEqual, "resume")

			w = do(mux, http.MethodPost, "/imports/job-1/cancel", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.controlOp, ShouldEqual, "cancel")
		})

		Convey("Then controlling a finished job is a conflict", func() {
			deps.controlEr = types.ErrJobFinished
			w := do(mux, http.MethodPost, "/imports/job-1/pause", "")
			So(w.Code, ShouldEqual, http.StatusConflict)
		})
	})
}
