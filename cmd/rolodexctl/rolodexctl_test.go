package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rolodex/internal/adapters/http/api"
	service "github.com/okian/rolodex/internal/app"
)

func execute(args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestGenerateAndImport(t *testing.T) {
	Convey("Given a generated contact book on disk", t, func() {
		path := filepath.Join(t.TempDir(), "book.csv")
		_, stderr, err := execute("generate", "--count", "30", "--seed", "5", "--dup-ratio", "0.3", "-o", path)
		So(err, ShouldBeNil)
		So(stderr, ShouldContainSubstring, "wrote 30 contacts")

		info, err := os.Stat(path)
		So(err, ShouldBeNil)
		So(info.Size(), ShouldBeGreaterThan, 0)

		Convey("When it is imported locally", func() {
			out, _, err := execute("import", path, "--json", "--strategy", "combine")

			Convey("Then the analytics account for every row", func() {
				So(err, ShouldBeNil)
				var res struct {
					Analytics struct {
						Status        string `json:"status"`
						Total         int    `json:"total"`
						InsertedCount int    `json:"insertedCount"`
						Collapsed     int    `json:"collapsed"`
					} `json:"analytics"`
				}
				So(json.Unmarshal([]byte(out), &res), ShouldBeNil)
				So(res.Analytics.Total, ShouldEqual, 30)
				So(res.Analytics.InsertedCount, ShouldBeGreaterThan, 0)
				So(res.Analytics.InsertedCount, ShouldBeLessThanOrEqualTo, 30)
			})
		})

		Convey("When it is imported with a summary table", func() {
			out, _, err := execute("import", path)
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, "inserted")
			So(out, ShouldContainSubstring, "book.csv")
		})
	})

	Convey("Given bad arguments", t, func() {
		_, _, err := execute("generate", "--format", "pdf")
		So(err, ShouldNotBeNil)

		_, _, err = execute("import", "/does/not/exist.csv")
		So(err, ShouldNotBeNil)

		_, _, err = execute("import", "x.csv", "--strategy", "newest")
		So(err, ShouldNotBeNil)
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a running server", t, func() {
		ctx := context.Background()
		svc := service.New(service.WithWorkerCount(1))
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		mux := http.NewServeMux()
		api.NewServer(svc).Register(ctx, mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		path := filepath.Join(t.TempDir(), "people.csv")
		So(os.WriteFile(path, []byte("name,email\nAnn Lee,ann@x.com\nBob Stone,bob@y.com\n"), 0o600), ShouldBeNil)

		Convey("When a file is submitted and awaited", func() {
			out, _, err := execute("submit", path, "--url", srv.URL, "--wait")

			Convey("Then the job completes", func() {
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "queued job")
				So(out, ShouldContainSubstring, "completed")
				So(svc.GetStats(ctx).StoredContacts, ShouldEqual, 2)
			})

			Convey("Then submitting it again is reported as a duplicate", func() {
				out, _, err := execute("submit", path, "--url", srv.URL)
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "duplicate upload")
			})
		})

		Convey("When the server rejects the parameters", func() {
			_, _, err := execute("submit", path, "--url", srv.URL, "--format", "pdf")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "400")
		})
	})
}
