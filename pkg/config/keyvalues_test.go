package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single", "a=1", map[string]string{"a": "1"}},
		{"multiple", "a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{"whitespace", " a = 1 , b=2 ", map[string]string{"a": "1", "b": "2"}},
		{"value with equals", "auth=Basic a2V5=", map[string]string{"auth": "Basic a2V5="}},
		{"percent encoded", "msg=hello%20world", map[string]string{"msg": "hello world"}},
		{"trailing comma", "a=1,", map[string]string{"a": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKeyValues(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseKeyValuesMalformed(t *testing.T) {
	t.Parallel()

	got, err := ParseKeyValues("a=1,novalue,=x,b=%zz,c=3")
	require.Error(t, err)
	assert.Equal(t, map[string]string{"a": "1", "c": "3"}, got)
	assert.Contains(t, err.Error(), `"novalue"`)
	assert.Contains(t, err.Error(), `"=x"`)
	assert.Contains(t, err.Error(), `"b=%zz"`)
}
