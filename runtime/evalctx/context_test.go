package evalctx

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestContext_SetAndGet_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		value any
	}{
		{"top level", "score", int64(720)},
		{"nested", "customer.profile.name", "Ana"},
		{"index", "loans[2].amount", 1500.5},
		{"index then key then index", "a.b[1].c[0]", true},
		{"null", "customer.middleName", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			if err := c.Set(tt.path, tt.value); err != nil {
				t.Fatalf("Set(%q) error: %v", tt.path, err)
			}
			got, ok := c.Lookup(tt.path)
			if !ok {
				t.Fatalf("Lookup(%q) did not resolve", tt.path)
			}
			if !reflect.DeepEqual(got, tt.value) {
				t.Errorf("Lookup(%q) = %#v, want %#v", tt.path, got, tt.value)
			}
		})
	}
}

func TestContext_Get_MissingPathIsNil(t *testing.T) {
	c := FromMap(map[string]any{
		"customer": map[string]any{"name": "Ana"},
		"loans":    []any{map[string]any{"amount": 10}},
	})

	paths := []string{
		"missing",
		"customer.age",
		"customer.name.first",
		"loans[5].amount",
		"loans[0].missing",
		"loans.x",
		"bad[path",
		"a..b",
		"",
	}
	for _, p := range paths {
		if v := c.Get(p); v != nil {
			t.Errorf("Get(%q) = %#v, want nil", p, v)
		}
	}
}

func TestContext_CaseInsensitive(t *testing.T) {
	c := New()
	if err := c.Set("Customer.FullName", "Ana Perez"); err != nil {
		t.Fatal(err)
	}

	if got := c.Get("customer.fullname"); got != "Ana Perez" {
		t.Errorf("Get(customer.fullname) = %v, want Ana Perez", got)
	}
	if got := c.Get("CUSTOMER.FULLNAME"); got != "Ana Perez" {
		t.Errorf("Get(CUSTOMER.FULLNAME) = %v, want Ana Perez", got)
	}

	// overwriting with a different spelling keeps the first spelling
	if err := c.Set("customer.fullname", "Ana P."); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(c)
	if string(data) != `{"Customer":{"FullName":"Ana P."}}` {
		t.Errorf("json = %s", data)
	}
}

func TestContext_PreservesInsertionOrder(t *testing.T) {
	c := New()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := c.Set(k, k); err != nil {
			t.Fatal(err)
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"zeta":"zeta","alpha":"alpha","mid":"mid"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestContext_SetReplacesScalarWithContainer(t *testing.T) {
	c := New()
	_ = c.Set("a", 5)
	if err := c.Set("a.b", "x"); err != nil {
		t.Fatal(err)
	}
	if got := c.Get("a.b"); got != "x" {
		t.Errorf("Get(a.b) = %v, want x", got)
	}
}

func TestContext_SetRejectsMalformedPath(t *testing.T) {
	c := New()
	for _, p := range []string{"", "a[", "a[-1]", "[0]", "a..b"} {
		if err := c.Set(p, 1); err == nil {
			t.Errorf("Set(%q) expected error", p)
		}
	}
}

func TestLookup_ListHelpers(t *testing.T) {
	root := Normalize(map[string]any{
		"items": []any{"a", "b", "c"},
	})

	if v, _ := Lookup(root, "items.length"); v != int64(3) {
		t.Errorf("items.length = %v, want 3", v)
	}
	if v, _ := Lookup(root, "items.1"); v != "b" {
		t.Errorf("items.1 = %v, want b", v)
	}
	if v, _ := Lookup(root, "items[2]"); v != "c" {
		t.Errorf("items[2] = %v, want c", v)
	}
}

func TestLookup_NativeMaps(t *testing.T) {
	root := map[string]any{
		"Customer": map[string]any{"DNI": "123"},
	}
	if v := Resolve(root, "customer.dni"); v != "123" {
		t.Errorf("Resolve = %v, want 123", v)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(map[string]any{
		"b":     int32(2),
		"a":     []int{1, 2},
		"n":     json.Number("12345678901234567"),
		"f":     float32(1.5),
		"bytes": []byte("raw"),
	})

	m, ok := got.(*Map)
	if !ok {
		t.Fatalf("Normalize returned %T", got)
	}
	if !reflect.DeepEqual(m.Keys(), []string{"a", "b", "bytes", "f", "n"}) {
		t.Errorf("keys = %v", m.Keys())
	}
	if v, _ := m.Get("b"); v != int64(2) {
		t.Errorf("b = %#v", v)
	}
	if v, _ := m.Get("n"); v != int64(12345678901234567) {
		t.Errorf("n = %#v", v)
	}
	if v, _ := m.Get("f"); v != 1.5 {
		t.Errorf("f = %#v", v)
	}
	if v, _ := m.Get("bytes"); v != "raw" {
		t.Errorf("bytes = %#v", v)
	}
	if v, _ := m.Get("a"); !reflect.DeepEqual(v, []any{int64(1), int64(2)}) {
		t.Errorf("a = %#v", v)
	}
}

func TestContext_CloneIsDeep(t *testing.T) {
	c := New()
	_ = c.Set("a.b", 1)
	clone := c.Clone()
	_ = clone.Set("a.b", 2)

	if c.Get("a.b") != int64(1) {
		t.Errorf("original mutated: %v", c.Get("a.b"))
	}
}

func TestParseJSON_KeepsOrder(t *testing.T) {
	v, err := ParseJSON([]byte(`{"z":1,"a":{"y":[1,2.5,"x",null,true]}}`))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(v)
	if string(data) != `{"z":1,"a":{"y":[1,2.5,"x",null,true]}}` {
		t.Errorf("round trip = %s", data)
	}
}
