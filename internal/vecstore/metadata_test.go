package vecstore

import (
	"encoding/json"
	"testing"
)

func TestValue_DecodeDispatch(t *testing.T) {
	t.Parallel()

	var md Metadata
	raw := `{"title": "notes.md", "page": 3, "draft": false, "tags": ["go", "rag"], "extra": {"lang": "en"}, "gone": null}`
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if s, ok := md["title"].AsString(); !ok || s != "notes.md" {
		t.Errorf("title = %v", md["title"])
	}
	if n, ok := md["page"].AsNumber(); !ok || n != 3 {
		t.Errorf("page = %v", md["page"])
	}
	if b, ok := md["draft"].AsBool(); !ok || b {
		t.Errorf("draft = %v", md["draft"])
	}
	tags, ok := md["tags"].AsList()
	if !ok || len(tags) != 2 {
		t.Fatalf("tags = %v", md["tags"])
	}
	if s, _ := tags[1].AsString(); s != "rag" {
		t.Errorf("tags[1] = %v", tags[1])
	}
	extra, ok := md["extra"].AsMap()
	if !ok {
		t.Fatalf("extra = %v", md["extra"])
	}
	if s, _ := extra["lang"].AsString(); s != "en" {
		t.Errorf("extra.lang = %v", extra["lang"])
	}
	if md["gone"].Kind() != KindNull {
		t.Errorf("gone kind = %v, want null", md["gone"].Kind())
	}

	// A re-encoded value must hold its variant.
	out, err := json.Marshal(md["title"])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"notes.md"` {
		t.Errorf("re-encoded title = %s", out)
	}
}

func TestValue_WrongVariantAccess(t *testing.T) {
	t.Parallel()

	v := Number(42)
	if _, ok := v.AsString(); ok {
		t.Error("number must not read as string")
	}
	if _, ok := v.AsBool(); ok {
		t.Error("number must not read as bool")
	}
	if n, ok := v.AsNumber(); !ok || n != 42 {
		t.Errorf("AsNumber = %v, %v", n, ok)
	}
}

func TestFilter_Composition(t *testing.T) {
	t.Parallel()

	lo, hi := 10.0, 20.0
	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{
			name:   "eq",
			filter: Eq("source_type", String("file")),
			want:   `{"source_type":{"$eq":"file"}}`,
		},
		{
			name:   "in",
			filter: In("lang", String("en"), String("de")),
			want:   `{"lang":{"$in":["en","de"]}}`,
		},
		{
			name:   "range both bounds",
			filter: Range("page", &lo, &hi),
			want:   `{"page":{"$gte":10,"$lte":20}}`,
		},
		{
			name:   "range open above",
			filter: Range("page", &lo, nil),
			want:   `{"page":{"$gte":10}}`,
		},
		{
			name:   "contains",
			filter: Contains("path", "archive/"),
			want:   `{"path":{"$contains":"archive/"}}`,
		},
		{
			name:   "and of two",
			filter: And(Eq("a", Number(1)), Eq("b", Number(2))),
			want:   `{"$and":[{"a":{"$eq":1}},{"b":{"$eq":2}}]}`,
		},
		{
			name: "and drops empty operands",
			// A single survivor is returned as-is, not wrapped in $and.
			filter: And(Filter{}, Eq("a", Number(1)), Filter{}),
			want:   `{"a":{"$eq":1}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := json.Marshal(tt.filter)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("filter = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFilter_AndOfNothingIsZero(t *testing.T) {
	t.Parallel()

	if !And().IsZero() {
		t.Error("And() should be the zero filter")
	}
	if !And(Filter{}, Filter{}).IsZero() {
		t.Error("And of empty filters should be the zero filter")
	}
}
