package coords

import (
	"encoding/json"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-splitter/pkg/types"
)

func TestNormalize_EquivalentEncodings(t *testing.T) {
	want := []types.Rectangle{{X1: 100, Y1: 120, X2: 400, Y2: 420}}

	inputs := map[string]any{
		"array":          [4]int{100, 120, 400, 420},
		"int slice":      []int{100, 120, 400, 420},
		"any slice":      []any{100, 120, 400, 420},
		"x1y1x2y2 map":   map[string]any{"x1": 100, "y1": 120, "x2": 400, "y2": 420},
		"ltrb map":       map[string]any{"left": 100, "top": 120, "right": 400, "bottom": 420},
		"xywh map":       map[string]any{"x": 100, "y": 120, "w": 300, "h": 300},
		"typed map":      map[string]int{"x1": 100, "y1": 120, "x2": 400, "y2": 420},
		"point pairs":    [][]int{{100, 120}, {400, 420}},
		"floats":         []float64{100.9, 120.2, 400.5, 420.0},
		"numeric text":   []string{" 100 ", "120.7", "400", "420"},
		"rectangle":      types.Rectangle{X1: 100, Y1: 120, X2: 400, Y2: 420},
		"image rect":     image.Rect(100, 120, 400, 420),
		"json text":      `{"x1": 100, "y1": 120, "x2": 400, "y2": 420}`,
		"tuple literal":  "(100, 120, 400, 420)",
		"comma string":   "100, 120, 400, 420",
		"boxes wrapper":  map[string]any{"boxes": []any{[]any{100, 120, 400, 420}}},
		"json point str": "[[100,120],[400,420]]",
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			got, err := Normalize(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestNormalize_CommaString(t *testing.T) {
	got, err := Normalize("100,100,400,400")
	require.NoError(t, err)
	assert.Equal(t, []types.Rectangle{{X1: 100, Y1: 100, X2: 400, Y2: 400}}, got)
}

func TestNormalize_MultipleBoxesKeepOrder(t *testing.T) {
	got, err := Normalize([][]int{{10, 10, 50, 50}, {60, 60, 90, 90}})
	require.NoError(t, err)
	assert.Equal(t, []types.Rectangle{
		{X1: 10, Y1: 10, X2: 50, Y2: 50},
		{X1: 60, Y1: 60, X2: 90, Y2: 90},
	}, got)
}

func TestNormalize_MixedShapes(t *testing.T) {
	in := []any{
		[]any{1, 2, 3, 4},
		map[string]any{"left": 5, "top": 6, "right": 7, "bottom": 8},
		[]any{[]any{9, 10}, []any{11, 12}},
		map[string]any{"x": 13, "y": 14, "w": 1, "h": 2},
	}
	got, err := Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, []types.Rectangle{
		{X1: 1, Y1: 2, X2: 3, Y2: 4},
		{X1: 5, Y1: 6, X2: 7, Y2: 8},
		{X1: 9, Y1: 10, X2: 11, Y2: 12},
		{X1: 13, Y1: 14, X2: 14, Y2: 16},
	}, got)
}

func TestNormalize_ListOfTextBoxes(t *testing.T) {
	want := []types.Rectangle{
		{X1: 1, Y1: 2, X2: 3, Y2: 4},
		{X1: 5, Y1: 6, X2: 7, Y2: 8},
	}

	got, err := Normalize([]string{"1,2,3,4", "5,6,7,8"})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = Normalize(`["1,2,3,4", "(5, 6, 7, 8)"]`)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = Normalize([]any{[]int{1, 2, 3, 4}, "5,6,7,8"})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = Normalize([]string{"0,0,1,1", "1,1,2,2", "2,2,3,3", "3,3,4,4"})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestNormalize_FourBoxesNotOneRectangle(t *testing.T) {
	in := [][]int{{0, 0, 1, 1}, {1, 1, 2, 2}, {2, 2, 3, 3}, {3, 3, 4, 4}}
	got, err := Normalize(in)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestNormalize_Literal(t *testing.T) {
	got, err := Normalize("[(100,100,200,400), (300,200,800,600), {'x1': 1, 'y1': 2, 'x2': 3, 'y2': 4},]")
	require.NoError(t, err)
	assert.Equal(t, []types.Rectangle{
		{X1: 100, Y1: 100, X2: 200, Y2: 400},
		{X1: 300, Y1: 200, X2: 800, Y2: 600},
		{X1: 1, Y1: 2, X2: 3, Y2: 4},
	}, got)
}

func TestNormalize_JSONDecodedRequest(t *testing.T) {
	var req struct {
		Coordinates any `json:"crop_coordinates"`
	}
	body := `{"crop_coordinates": [[100, 100, 200, 400], [300, 200, 800, 600], [100, 500, 400, 900]]}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	got, err := Normalize(req.Coordinates)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, types.Rectangle{X1: 100, Y1: 500, X2: 400, Y2: 900}, got[2])
}

func TestNormalize_DegenerateParsesFine(t *testing.T) {
	got, err := Normalize([]int{10, 10, 10, 50})
	require.NoError(t, err)
	assert.False(t, got[0].Valid())
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"empty list", []any{}},
		{"empty string", "   "},
		{"garbage string", "left top right bottom"},
		{"three fields", "1,2,3"},
		{"boolean coordinate", []any{true, 0, 10, 10}},
		{"boolean in map", map[string]any{"x1": 0, "y1": false, "x2": 10, "y2": 10}},
		{"non numeric string", []any{"a", 0, 10, 10}},
		{"unknown keys", map[string]any{"a": 1, "b": 2}},
		{"scalar", 42},
		{"scalar items", []any{1, 2, 3}},
		{"bad nested", []any{[]any{1, 2, 3, 4}, "5,6,7"}},
		{"bad text item", []string{"1,2,3,4", "left top"}},
		{"three floats", []float64{0, 0, 1}},
		{"json number only", "100"},
		{"struct", struct{ X int }{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrMalformedInput)
		})
	}
}

func TestToInt(t *testing.T) {
	n, err := toInt(json.Number("12.9"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = toInt(" -3.7 ")
	require.NoError(t, err)
	assert.Equal(t, -3, n)

	_, err = toInt(true)
	assert.Error(t, err)

	_, err = toInt("NaN")
	assert.Error(t, err)

	_, err = toInt(1e20)
	assert.Error(t, err)
}
