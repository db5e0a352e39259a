package ioutils

import (
	"testing"

	"github.com/nandlabs/batchsuper/testing/assert"
)

func TestGetMimeFromExt(t *testing.T) {
	tests := []struct {
		ext      string
		expected string
	}{
		{".yaml", MimeTextYAML},
		{".yml", MimeTextYAML},
		{".json", MimeApplicationJSON},
		{".unknown", ""},
	}

	for _, test := range tests {
		actual := GetMimeFromExt(test.ext)
		assert.Equal(t, test.expected, actual)
	}
}
