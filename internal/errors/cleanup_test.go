package errors

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type mockCloser struct {
	closeErr error
	closed   bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.closeErr
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name       string
		closer     io.Closer
		wantLogged bool
	}{
		{name: "nil closer", closer: nil},
		{name: "successful close", closer: &mockCloser{}},
		{name: "close with error", closer: &mockCloser{closeErr: errors.New("close failed")}, wantLogged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			DeferClose(logger, tt.closer, "test close")

			if tt.closer != nil {
				assert.True(t, tt.closer.(*mockCloser).closed, "Close() was not called")
			}
			assert.Equal(t, tt.wantLogged, buf.Len() > 0)
		})
	}
}

func TestDeferFunc(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	DeferFunc(logger, nil, "nil func")
	assert.Zero(t, buf.Len())

	called := false
	DeferFunc(logger, func() error { called = true; return nil }, "ok")
	assert.True(t, called)
	assert.Zero(t, buf.Len())

	DeferFunc(logger, func() error { return errors.New("unlock failed") }, "release lock")
	assert.Contains(t, buf.String(), "release lock")
	assert.Contains(t, buf.String(), "unlock failed")
}
