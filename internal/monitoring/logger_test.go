package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var captured []string
	SetLogger(func(format string, v ...interface{}) {
		captured = append(captured, fmt.Sprintf(format, v...))
	})

	Logf("camera %s: %d frames", "cam-1", 42)
	assert.Equal(t, []string{"camera cam-1: 42 frames"}, captured)

	// A nil logger silences output instead of panicking.
	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, captured, 1)
}
