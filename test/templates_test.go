package tests

import (
	"strconv"
	"testing"
	"time"

	"github.com/aymerick/raymond"
	"github.com/mykhaliev/bot-conformance/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var templateEngine = templates.NewTemplateEngine()

func render(t *testing.T, template string) string {
	t.Helper()
	require.NotNil(t, templateEngine)
	result, err := raymond.Render(template, nil)
	require.NoError(t, err)
	return result
}

func TestRandomValueHelper(t *testing.T) {
	tests := []struct {
		name     string
		template string
		validate func(t *testing.T, result string)
	}{
		{
			name:     "Default alphanumeric",
			template: `{{randomValue}}`,
			validate: func(t *testing.T, result string) {
				assert.Len(t, result, 10, "Default length should be 10")
				assert.Regexp(t, `^[a-zA-Z0-9]+$`, result)
			},
		},
		{
			name:     "Custom length",
			template: `{{randomValue length=20}}`,
			validate: func(t *testing.T, result string) {
				assert.Len(t, result, 20)
			},
		},
		{
			name:     "Numeric type",
			template: `{{randomValue type="NUMERIC" length=8}}`,
			validate: func(t *testing.T, result string) {
				assert.Len(t, result, 8)
				assert.Regexp(t, `^[0-9]+$`, result)
			},
		},
		{
			name:     "UUID type",
			template: `{{randomValue type="UUID"}}`,
			validate: func(t *testing.T, result string) {
				assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, result)
			},
		},
		{
			name:     "Zero length",
			template: `{{randomValue length=0}}`,
			validate: func(t *testing.T, result string) {
				assert.Empty(t, result)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.validate(t, render(t, tc.template))
		})
	}
}

func TestRandomIntHelper(t *testing.T) {
	t.Run("Default range", func(t *testing.T) {
		n, err := strconv.Atoi(render(t, `{{randomInt}}`))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.LessOrEqual(t, n, 100)
	})

	t.Run("Custom range", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			n, err := strconv.Atoi(render(t, `{{randomInt lower=18 upper=90}}`))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 18)
			assert.LessOrEqual(t, n, 90)
		}
	})

	t.Run("Swapped bounds", func(t *testing.T) {
		n, err := strconv.Atoi(render(t, `{{randomInt lower=10 upper=5}}`))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 5)
		assert.LessOrEqual(t, n, 10)
	})
}

func TestNowHelper(t *testing.T) {
	t.Run("RFC3339 by default", func(t *testing.T) {
		result := render(t, `{{now}}`)
		_, err := time.Parse(time.RFC3339, result)
		assert.NoError(t, err)
	})

	t.Run("Unix seconds", func(t *testing.T) {
		n, err := strconv.ParseInt(render(t, `{{now format="unix"}}`), 10, 64)
		require.NoError(t, err)
		assert.InDelta(t, time.Now().Unix(), n, 5)
	})

	t.Run("Epoch milliseconds", func(t *testing.T) {
		n, err := strconv.ParseInt(render(t, `{{now format="epoch"}}`), 10, 64)
		require.NoError(t, err)
		assert.InDelta(t, time.Now().UnixMilli(), n, 5000)
	})
}

func TestFakerHelper(t *testing.T) {
	t.Run("Full name", func(t *testing.T) {
		assert.NotEmpty(t, render(t, `{{faker "Name.full_name"}}`))
	})

	t.Run("Age stays in range", func(t *testing.T) {
		n, err := strconv.Atoi(render(t, `{{faker "Number.age"}}`))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 18)
		assert.LessOrEqual(t, n, 90)
	})

	t.Run("City", func(t *testing.T) {
		assert.NotEmpty(t, render(t, `{{faker "City"}}`))
	})

	t.Run("Unknown category renders empty", func(t *testing.T) {
		assert.Empty(t, render(t, `{{faker "Spaceship.crew"}}`))
	})
}
