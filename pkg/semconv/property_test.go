package semconv

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func genAttribute(t *rapid.T, label string) Attribute {
	id := rapid.SampledFrom([]string{
		"tests.a", "tests.b", "tests.c", "bench.d", "bench.e",
	}).Draw(t, label+"-id")
	typ := rapid.SampledFrom([]string{"string", "int", "boolean", "double"}).Draw(t, label+"-type")
	return Attribute{ID: id, Type: AttributeType{Value: typ}}
}

func genGroups(t *rapid.T) []Group {
	n := rapid.IntRange(1, 4).Draw(t, "nGroups")
	groups := make([]Group, n)
	for i := range n {
		nAttrs := rapid.IntRange(1, 3).Draw(t, fmt.Sprintf("g%d-nAttrs", i))
		attrs := make([]Attribute, nAttrs)
		for j := range nAttrs {
			attrs[j] = genAttribute(t, fmt.Sprintf("g%d-a%d", i, j))
		}
		groups[i] = Group{ID: fmt.Sprintf("registry.g%d", i), Type: "attribute_group", Attributes: attrs}
	}
	return groups
}

// sample returns a value of the attribute's own type.
func sample(t *rapid.T, a *Attribute) any {
	switch a.Type.Value {
	case "string":
		return rapid.String().Draw(t, "s")
	case "int":
		return float64(rapid.IntRange(-1000, 1000).Draw(t, "i"))
	case "boolean":
		return rapid.Bool().Draw(t, "b")
	default:
		return rapid.Float64().Draw(t, "f")
	}
}

func TestProperty_LastDefinitionWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		groups := genGroups(t)
		reg := buildRegistry(groups)

		want := make(map[string]string)
		for _, g := range groups {
			for _, a := range g.Attributes {
				want[a.ID] = a.Type.Value
			}
		}
		for id, typ := range want {
			got := reg.Attribute(id)
			if got == nil {
				t.Fatalf("attribute %s not indexed", id)
			}
			if got.Type.Value != typ {
				t.Fatalf("attribute %s: type %s, want %s", id, got.Type.Value, typ)
			}
		}
	})
}

func TestProperty_WellTypedValuesPassCheck(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := buildRegistry(genGroups(t))

		attrs := make(map[string]any)
		for _, g := range reg.Groups() {
			for _, a := range g.Attributes {
				attrs[a.ID] = sample(t, reg.Attribute(a.ID))
			}
		}
		if problems := reg.Check("internal", attrs); len(problems) != 0 {
			t.Fatalf("unexpected problems: %v", problems)
		}
	})
}

func TestProperty_UndefinedInNamespaceAlwaysReported(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := buildRegistry(genGroups(t))
		key := "tests.undefined_" + rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "suffix")

		problems := reg.Check("internal", map[string]any{key: "x"})
		if reg.namespaces["tests"] && len(problems) != 1 {
			t.Fatalf("want one problem for %s, got %v", key, problems)
		}
		if !reg.namespaces["tests"] && len(problems) != 0 {
			t.Fatalf("namespace not registered, want no problems, got %v", problems)
		}
	})
}
