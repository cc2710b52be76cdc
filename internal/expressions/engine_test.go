package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEngine_Evaluate(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()
	data := testScope().Data()

	out, err := eng.Evaluate(ctx, `previous.raw_output.contains("Ring is OK")`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(ctx, `variables.retries > 2`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(ctx, `[1, 2, 3].map(x, x * 2)`, data)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestCELEngine_MissingScopeVarsDefault(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), `size(inputs) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Error(t, eng.Check("undeclared_var == 1"))
}

func TestExprEngine_Evaluate(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	out, err := eng.Evaluate(ctx, `output contains "OK" && variables.retries == 3`, map[string]any{
		"output":    "Ring is OK",
		"variables": map[string]any{"retries": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Cached program with differently shaped data.
	out, err = eng.Evaluate(ctx, `output contains "OK" && variables.retries == 3`, map[string]any{
		"output":    "down",
		"variables": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_Error(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), `output +`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestExprEngine_OutputFuncs(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{
		"raw_output": "ge-0/0/1 up\nge-0/0/2 down\n\nge-0/0/3 up\nRing is OK: 4 ports",
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"lines", `len(lines(raw_output))`, 4},
		{"grep", `len(grep(raw_output, " up$"))`, 2},
		{"number", `number(grep(raw_output, "Ring")[0]) >= 4`, true},
		{"number of a number", `number(2) + 1`, float64(3)},
		{"combined", `all(grep(raw_output, "^ge-"), {# matches "(up|down)$"})`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := eng.Evaluate(ctx, tc.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}

	_, err := eng.Evaluate(ctx, `number("no digits here")`, data)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))

	_, err = eng.Evaluate(ctx, `grep(raw_output, "(")`, data)
	assert.Error(t, err)
}

func TestGoJQEngine_Query(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	type iface struct {
		Name string `json:"name"`
		Up   bool   `json:"up"`
	}
	out, err := eng.Query(ctx, `[.[] | select(.up) | .name]`, []iface{{"ge-0/0/1", true}, {"ge-0/0/2", false}})
	require.NoError(t, err)
	assert.Equal(t, []any{"ge-0/0/1"}, out)

	out, err = eng.Query(ctx, `.a, .b`, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	out, err = eng.Query(ctx, `empty`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_SandboxedEnv(t *testing.T) {
	out, err := NewGoJQEngine().Query(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestJSEngine_Evaluate(t *testing.T) {
	eng := NewJSEngine(0)
	out, err := eng.Evaluate(context.Background(), `output.indexOf("OK") >= 0 && variables.retries === 3`, map[string]any{
		"output":    "Ring is OK",
		"variables": map[string]any{"retries": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestJSEngine_Timeout(t *testing.T) {
	eng := NewJSEngine(50 * time.Millisecond)
	start := time.Now()
	_, err := eng.Evaluate(context.Background(), `while (true) {}`, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestJSEngine_ThrowIsError(t *testing.T) {
	_, err := NewJSEngine(0).Evaluate(context.Background(), `throw new Error("boom")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
