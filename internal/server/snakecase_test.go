package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"selfHarm":       "self_harm",
		"SelfHarmIntent": "self_harm_intent",
		"violence":       "violence",
		"sexualMinors":   "sexual_minors",
		"HTTPStatus":     "h_t_t_p_status",
		"already_snake":  "already_snake",
		"":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, toSnakeCase(in), "toSnakeCase(%q)", in)
	}
}

func TestSnakeCaseKeysNested(t *testing.T) {
	in := map[string]any{
		"selfHarm": map[string]any{
			"isFlagged": true,
		},
		"categoryScores": []any{
			map[string]any{"violenceGraphic": 0.2},
		},
	}
	want := map[string]any{
		"self_harm": map[string]any{
			"is_flagged": true,
		},
		"category_scores": []any{
			map[string]any{"violence_graphic": 0.2},
		},
	}

	assert.Equal(t, want, snakeCaseKeys(in))
}

func TestSnakeCaseKeysScalarPassthrough(t *testing.T) {
	assert.Equal(t, 42, snakeCaseKeys(42))
	assert.Equal(t, "plain", snakeCaseKeys("plain"))
}
