package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rolodex/internal/domain/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver() *Resolver {
	return NewResolver(WithClock(func() time.Time { return fixedNow }))
}

func TestFindConflicts(t *testing.T) {
	Convey("Given stored contacts", t, func() {
		r := newTestResolver()
		existing := []model.ContactRecord{
			{ID: "e0", Name: "Ann Lee", Email: "ann@x.com"},
			{ID: "e1", Name: "Bob Stone", Phone: "+1 555 0100"},
			{ID: "e2", Name: "Cy Young", Email: "cy@old.io"},
			{ID: "e3", Email: "ANN@x.com"},
		}

		Convey("When incoming records overlap them", func() {
			incoming := []model.ContactRecord{
				{ID: "n0", Email: " Ann@X.com"},
				{ID: "n1", Phone: "15550100"},
				{ID: "n2", Name: "cy  young", Email: "cy@new.io"},
				{ID: "n3", Name: "Bob Stone"},
				{ID: "n4", Name: "Dee Park", Email: "dee@x.com"},
			}
			pairs := r.FindConflicts(incoming, existing)

			Convey("Then each match is paired with the first stored record", func() {
				So(pairs, ShouldHaveLength, 3)
				So(pairs[0].New.ID, ShouldEqual, "n0")
				So(pairs[0].Existing.ID, ShouldEqual, "e0")
				So(pairs[0].MatchedOn, ShouldResemble, []string{model.FieldEmail})
				So(pairs[1].Existing.ID, ShouldEqual, "e1")
				So(pairs[1].MatchedOn, ShouldResemble, []string{model.FieldPhone})
			})

			Convey("Then a name match needs contact data on both sides", func() {
				So(pairs[2].New.ID, ShouldEqual, "n2")
				So(pairs[2].Existing.ID, ShouldEqual, "e2")
				So(pairs[2].MatchedOn, ShouldResemble, []string{model.FieldName})
			})
		})

		Convey("Then nothing conflicts with an empty store", func() {
			So(r.FindConflicts([]model.ContactRecord{{ID: "x", Email: "a@b.c"}}, nil), ShouldBeEmpty)
		})
	})
}

func TestMergeStrategies(t *testing.T) {
	Convey("Given a new record and its stored counterpart", t, func() {
		r := newTestResolver()
		created := fixedNow.Add(-time.Hour)
		existing := model.ContactRecord{
			ID: "old", Name: "Ann Lee", Email: "ann@x.com", Company: "Acme", Title: "",
			Tags: []string{"vip"}, CreatedAt: created,
			AdditionalFields: map[string]any{"source": "crm", "region": "eu"},
		}
		incoming := model.ContactRecord{
			ID: "new", Name: "Ann B. Lee", Email: "ann@x.com", Company: "Acme Labs", Title: "CTO",
			Tags: []string{"VIP", "speaker"},
			AdditionalFields: map[string]any{"source": "csv"},
		}

		Convey("When preferring the new record", func() {
			out, err := r.Merge(incoming, existing, StrategyPreferNew, nil)

			Convey("Then new values win and identity is kept", func() {
				So(err, ShouldBeNil)
				So(out.ID, ShouldEqual, "old")
				So(out.Name, ShouldEqual, "Ann B. Lee")
				So(out.Company, ShouldEqual, "Acme Labs")
				So(out.Title, ShouldEqual, "CTO")
				So(out.CreatedAt, ShouldEqual, created)
				So(out.UpdatedAt, ShouldEqual, fixedNow)
				So(out.Tags, ShouldResemble, []string{"vip", "speaker"})
				So(out.AdditionalFields["source"], ShouldEqual, "csv")
				So(out.AdditionalFields["region"], ShouldEqual, "eu")
				So(r.Counts().Merged, ShouldEqual, 1)
			})

			Convey("Then the merge is recorded in the history", func() {
				h, ok := out.AdditionalFields[model.MergeHistoryKey].([]any)
				So(ok, ShouldBeTrue)
				So(h, ShouldHaveLength, 1)
				entry := h[0].(model.MergeHistoryEntry)
				So(entry.Strategy, ShouldEqual, "prefer_new")
				So(entry.Existing.ID, ShouldEqual, "old")
				So(entry.New.ID, ShouldEqual, "new")
			})

			Convey("Then merging again appends to the history", func() {
				again, err := r.Merge(incoming, *out, StrategyPreferNew, nil)
				So(err, ShouldBeNil)
				h := again.AdditionalFields[model.MergeHistoryKey].([]any)
				So(h, ShouldHaveLength, 2)
				_, nested := h[1].(model.MergeHistoryEntry).Existing.AdditionalFields[model.MergeHistoryKey]
				So(nested, ShouldBeFalse)
			})
		})

		Convey("When preferring the stored record", func() {
			out, _ := r.Merge(incoming, existing, StrategyPreferExisting, nil)

			Convey("Then stored values win but gaps are filled", func() {
				So(out.Name, ShouldEqual, "Ann Lee")
				So(out.Company, ShouldEqual, "Acme")
				So(out.Title, ShouldEqual, "CTO")
			})
		})

		Convey("When combining", func() {
			out, _ := r.Merge(incoming, existing, StrategyCombine, nil)

			Convey("Then differing values are joined", func() {
				So(out.Name, ShouldEqual, "Ann Lee, Ann B. Lee")
				So(out.Company, ShouldEqual, "Acme, Acme Labs")
				So(out.Email, ShouldEqual, "ann@x.com")
				So(out.Title, ShouldEqual, "CTO")
			})

			Convey("Then combining the same input twice adds nothing", func() {
				again, _ := r.Merge(incoming, *out, StrategyCombine, nil)
				So(again.Company, ShouldEqual, "Acme, Acme Labs")
			})
		})

		Convey("When keeping both", func() {
			out, _ := r.Merge(incoming, existing, StrategyKeepBoth, nil)

			Convey("Then the new record points at the stored one", func() {
				So(out.ID, ShouldEqual, "new")
				So(out.AdditionalFields[model.ConflictsWithKey], ShouldEqual, "old")
				So(incoming.AdditionalFields, ShouldNotContainKey, model.ConflictsWithKey)
				So(r.Counts().KeptBoth, ShouldEqual, 1)
			})
		})

		Convey("When skipping", func() {
			out, err := r.Merge(incoming, existing, StrategySkip, nil)

			So(err, ShouldBeNil)
			So(out, ShouldBeNil)
			So(r.Counts().Skipped, ShouldEqual, 1)
		})

		Convey("When custom field rules are given", func() {
			rules := []FieldRule{
				{Field: model.FieldCompany, Strategy: FieldLongest},
				{Field: model.FieldTitle, Strategy: FieldPreferExisting},
				{Field: "source", Strategy: FieldCombine},
			}

			Convey("Then they override the blanket strategy per field", func() {
				out, err := r.Merge(incoming, existing, StrategyPreferNew, rules)
				So(err, ShouldBeNil)
				So(out.Company, ShouldEqual, "Acme Labs")
				So(out.Title, ShouldEqual, "")
				So(out.Name, ShouldEqual, "Ann B. Lee")
				So(out.AdditionalFields["source"], ShouldEqual, "crm, csv")
			})

			Convey("Then a skip strategy merges with stored values as the fallback", func() {
				out, err := r.Merge(incoming, existing, StrategySkip, rules)
				So(err, ShouldBeNil)
				So(out, ShouldNotBeNil)
				So(out.Name, ShouldEqual, "Ann Lee")
				So(out.Company, ShouldEqual, "Acme Labs")
				So(r.Counts().Skipped, ShouldEqual, 0)
			})
		})

		Convey("Then bad input is rejected", func() {
			_, err := r.Merge(incoming, existing, "newest", nil)
			So(errors.Is(err, ErrUnknownStrategy), ShouldBeTrue)
			_, err = r.Merge(incoming, existing, StrategyCombine, []FieldRule{{Field: model.FieldID, Strategy: FieldLongest}})
			So(errors.Is(err, ErrInvalidFieldRule), ShouldBeTrue)
			_, err = r.Merge(incoming, existing, StrategyCombine, []FieldRule{{Field: model.FieldName, Strategy: "coin_flip"}})
			So(errors.Is(err, ErrInvalidFieldRule), ShouldBeTrue)
		})
	})
}

func TestResolve(t *testing.T) {
	Convey("Given conflicts resolved with skip", t, func() {
		r := newTestResolver()
		var existing, incoming []model.ContactRecord
		for i := 0; i < 7; i++ {
			email := fmt.Sprintf("user%d@x.com", i)
			existing = append(existing, model.ContactRecord{ID: fmt.Sprintf("e%d", i), Email: email})
			incoming = append(incoming, model.ContactRecord{ID: fmt.Sprintf("n%d", i), Email: email})
		}
		incoming = append(incoming, model.ContactRecord{ID: "fresh", Email: "fresh@x.com"})

		pairs := r.FindConflicts(incoming, existing)
		res, err := r.Resolve(context.Background(), pairs, StrategySkip, nil)

		Convey("Then no skipped record is returned for persistence", func() {
			So(err, ShouldBeNil)
			So(pairs, ShouldHaveLength, 7)
			So(res.Records, ShouldBeEmpty)
			So(res.Skipped, ShouldEqual, 7)
			So(r.Counts().Skipped, ShouldEqual, 7)
		})

		Convey("Then mixed outcomes are counted separately", func() {
			r.Reset()
			res, err := r.Resolve(context.Background(), pairs[:3], StrategyKeepBoth, nil)
			So(err, ShouldBeNil)
			So(res.KeptBoth, ShouldEqual, 3)
			So(res.Records, ShouldHaveLength, 3)

			res, _ = r.Resolve(context.Background(), pairs[3:], StrategyPreferNew, nil)
			So(res.Merged, ShouldEqual, 4)
			So(r.Counts(), ShouldResemble, Counts{Merged: 4, KeptBoth: 3})
		})
	})

	Convey("Given two incoming records colliding with one stored record", t, func() {
		r := newTestResolver()
		existing := []model.ContactRecord{{ID: "e1", Email: "ann@x.com", Name: "Ann Lee"}}
		incoming := []model.ContactRecord{
			{ID: "n1", Email: "ann@x.com", Company: "Acme"},
			{ID: "n2", Email: "ann@x.com", Title: "CTO"},
		}
		pairs := r.FindConflicts(incoming, existing)
		res, err := r.Resolve(context.Background(), pairs, StrategyPreferNew, nil)

		Convey("Then both are folded into a single stored record", func() {
			So(err, ShouldBeNil)
			So(res.Merged, ShouldEqual, 2)
			So(res.Records, ShouldHaveLength, 1)
			So(res.Records[0].ID, ShouldEqual, "e1")
			So(res.Records[0].Company, ShouldEqual, "Acme")
			So(res.Records[0].Title, ShouldEqual, "CTO")
			So(res.Records[0].AdditionalFields[model.MergeHistoryKey], ShouldHaveLength, 2)
		})
	})
}

func TestCollapse(t *testing.T) {
	Convey("Given a duplicate group", t, func() {
		r := newTestResolver()
		group := model.DuplicateGroup{Records: []model.ContactRecord{
			{ID: "a", Email: "ann@x.com", Tags: []string{"one"}},
			{ID: "b", Email: "ann@x.com", Phone: "555", Tags: []string{"two"}},
			{ID: "c", Email: "ann@x.com", Company: "Acme"},
		}}

		Convey("When collapsed", func() {
			out := r.Collapse(group, StrategySkip, nil)

			Convey("Then the seed absorbs the others", func() {
				So(out.ID, ShouldEqual, "a")
				So(out.Phone, ShouldEqual, "555")
				So(out.Company, ShouldEqual, "Acme")
				So(out.Tags, ShouldResemble, []string{"one", "two"})
				So(out.AdditionalFields[model.MergeHistoryKey], ShouldHaveLength, 2)
				So(r.Counts(), ShouldResemble, Counts{})
			})
		})
	})
}

func TestCollapsedHistorySurvivesMerge(t *testing.T) {
	Convey("Given an in-file duplicate group and a stored contact", t, func() {
		r := newTestResolver()
		group := model.DuplicateGroup{Records: []model.ContactRecord{
			{ID: "f1", Name: "Ann Lee", Email: "ann@x.com"},
			{ID: "f2", Name: "Ann Lee", Email: "ann@x.com", Company: "Acme"},
		}}
		stored := model.ContactRecord{ID: "s1", Name: "Ann Lee", Email: "ann@x.com", Title: "CTO"}

		Convey("When the collapsed record is merged into the stored one", func() {
			collapsed := r.Collapse(group, StrategyPreferNew, nil)
			So(collapsed.AdditionalFields[model.MergeHistoryKey], ShouldHaveLength, 1)

			out, err := r.Merge(collapsed, stored, StrategyPreferNew, nil)
			So(err, ShouldBeNil)

			Convey("Then both the collapse and the merge are in the history", func() {
				h, ok := out.AdditionalFields[model.MergeHistoryKey].([]any)
				So(ok, ShouldBeTrue)
				So(h, ShouldHaveLength, 2)
				So(h[0].(model.MergeHistoryEntry).Existing.ID, ShouldEqual, "f1")
				So(h[0].(model.MergeHistoryEntry).New.ID, ShouldEqual, "f2")
				So(h[1].(model.MergeHistoryEntry).Existing.ID, ShouldEqual, "s1")
				So(out.ID, ShouldEqual, "s1")
				So(out.Company, ShouldEqual, "Acme")
			})
		})
	})
}

func TestParseStrategy(t *testing.T) {
	Convey("Given strategy names", t, func() {
		for _, s := range []string{"prefer_new", "PREFER_EXISTING", " combine", "skip", "keep_both"} {
			_, err := ParseStrategy(s)
			So(err, ShouldBeNil)
		}
		_, err := ParseStrategy("merge_all")
		So(errors.Is(err, ErrUnknownStrategy), ShouldBeTrue)
	})
}
