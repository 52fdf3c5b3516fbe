package params

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONKeepsKinds(t *testing.T) {
	var set Set
	require.NoError(t, json.Unmarshal([]byte(`{"a":10,"b":1.5,"c":true,"d":"fast","e":2.0}`), &set))

	assert.Equal(t, KindInt, set["a"].Kind())
	assert.Equal(t, KindFloat, set["b"].Kind())
	assert.Equal(t, KindBool, set["c"].Kind())
	assert.Equal(t, KindString, set["d"].Kind())
	assert.Equal(t, KindFloat, set["e"].Kind())

	out, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":10,"b":1.5,"c":true,"d":"fast","e":2.0}`, string(out))
	assert.Contains(t, string(out), `"e":2.0`)
}

func TestMergeOverlayWins(t *testing.T) {
	base := Set{"fast": Int(10), "slow": Int(50)}
	merged := base.Merge(Set{"slow": Int(60), "atr": Float(1.4)})

	assert.Equal(t, Set{"fast": Int(10), "slow": Int(60), "atr": Float(1.4)}, merged)
	assert.Equal(t, Int(50), base["slow"], "base must not be mutated")
}

func TestHashIsOrderIndependentAndKindSensitive(t *testing.T) {
	a := Set{"x": Int(1), "y": String("up")}
	b := Set{"y": String("up"), "x": Int(1)}
	c := Set{"x": Float(1), "y": String("up")}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b Set
		want float64
	}{
		{"identical", Set{"x": Int(10)}, Set{"x": Int(10)}, 0},
		{"numeric", Set{"x": Int(10)}, Set{"x": Int(30)}, 20.0 / (40 + 1e-6)},
		{"bool mismatch", Set{"x": Bool(true)}, Set{"x": Bool(false)}, 1},
		{"string mismatch", Set{"m": String("a")}, Set{"m": String("b")}, 1},
		{"missing key", Set{"x": Int(1), "y": Int(2)}, Set{"x": Int(1)}, 0.5},
		{"empty", Set{}, Set{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), 1e-12)
		})
	}

	t.Run("stable across calls", func(t *testing.T) {
		a, b := Set{}, Set{}
		want := 0.0
		for i := 0; i < 40; i++ {
			k := fmt.Sprintf("k%02d", i)
			a[k] = Float(0.1 * float64(i+1))
			b[k] = Float(0.37 * float64(i+3))
		}
		for _, k := range a.Keys() {
			want += valueDistance(a[k], b[k])
		}
		want /= float64(len(a))
		for i := 0; i < 50; i++ {
			assert.Equal(t, want, Distance(a, b))
		}
	})
}

func TestSchemaCoerce(t *testing.T) {
	schema := Schema{
		{Name: "fast", Kind: KindInt, Min: F(1), Max: F(200)},
		{Name: "atr", Kind: KindFloat},
		{Name: "trail", Kind: KindBool},
		{Name: "mode", Kind: KindString, Enum: []string{"close", "open"}},
	}

	v, err := schema.Coerce("fast", Float(9.6))
	require.NoError(t, err)
	assert.Equal(t, Int(10), v)

	v, err = schema.Coerce("atr", Int(2))
	require.NoError(t, err)
	assert.Equal(t, Float(2), v)

	v, err = schema.Coerce("trail", String("yes"))
	require.NoError(t, err)
	assert.Equal(t, Bool(true), v)

	_, err = schema.Coerce("fast", Int(500))
	assert.Error(t, err)

	_, err = schema.Coerce("mode", String("vwap"))
	assert.Error(t, err)

	_, err = schema.Coerce("unknown", Int(1))
	assert.Error(t, err)

	_, err = schema.Coerce("fast", String("abc"))
	assert.Error(t, err)
}
